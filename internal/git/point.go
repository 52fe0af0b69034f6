package git

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var commitPrefix = regexp.MustCompile(`^[0-9a-fA-F]{4,64}$`)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ResolvePoint turns a restore point into something RestoreTo accepts.
// Commit IDs and prefixes pass through unchanged. A time expression such
// as "yesterday 18:00" or "2 hours ago" resolves to the newest commit made
// at or before that time. Anything else is handed to the backend as a
// revision.
func ResolvePoint(ctx context.Context, b Backend, expr string, now time.Time) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", &BackendError{Op: "resolve", Err: fmt.Errorf("%w: empty", ErrUnknownPoint)}
	}
	if commitPrefix.MatchString(expr) {
		return expr, nil
	}

	r, err := timeParser.Parse(expr, now)
	if err != nil || r == nil {
		return expr, nil
	}

	entries, err := b.Log(ctx, 0)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.Time.After(r.Time) {
			return e.ID, nil
		}
	}
	return "", &BackendError{
		Op:  "resolve",
		Err: fmt.Errorf("%w: no commit at or before %s", ErrUnknownPoint, r.Time.Format(time.RFC3339)),
	}
}
