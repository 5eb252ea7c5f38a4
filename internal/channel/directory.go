package channel

import (
	"context"
	"fmt"
)

// StaticDirectory is a map-backed Directory loaded from configuration. It
// stands in for the profile service in small deployments and in tests.
type StaticDirectory struct {
	users     map[string]string
	audiences map[string][]string
}

func NewStaticDirectory(users map[string]string, audiences map[string][]string) *StaticDirectory {
	d := &StaticDirectory{
		users:     make(map[string]string, len(users)),
		audiences: make(map[string][]string, len(audiences)),
	}
	for id, email := range users {
		d.users[id] = email
	}
	for name, ids := range audiences {
		d.audiences[name] = append([]string(nil), ids...)
	}
	return d
}

func (d *StaticDirectory) EmailsFor(ctx context.Context, userIDs []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if email, ok := d.users[id]; ok && email != "" {
			out[id] = email
		}
	}
	return out, nil
}

func (d *StaticDirectory) ResolveAudience(ctx context.Context, audience string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, ok := d.audiences[audience]
	if !ok {
		return nil, fmt.Errorf("unknown audience %q", audience)
	}
	return append([]string(nil), ids...), nil
}
