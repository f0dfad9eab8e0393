package authorization

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/xdomain/pkg/policy"
)

// Sync reconciles the policy table with a loaded policy file. New labels are
// created with their grants; existing labels take the file's mutable fields
// and state. Labels absent from the file are left as they are. The file is
// operator input, so no role check applies.
func (o *Orchestrator) Sync(ctx context.Context, f *policy.File) error {
	var created, modified int
	for _, a := range f.Authorizations {
		a = a.WithDefaults()
		cur, err := o.policies.Get(ctx, a.Label)
		if errors.Is(err, policy.ErrNotFound) {
			if err := o.checkNew(ctx, a); err != nil {
				return err
			}
			if err := o.create(ctx, a); err != nil {
				return err
			}
			created++
			continue
		}
		if err != nil {
			return err
		}

		m, err := policy.Diff(cur, a)
		if err != nil {
			return fmt.Errorf("label %s: %w", a.Label, err)
		}
		changed := false
		if !m.Empty() {
			if _, err := o.policies.Modify(ctx, m); err != nil {
				return fmt.Errorf("label %s: %w", a.Label, err)
			}
			changed = true
		}
		if cur.State != a.State {
			if err := o.policies.SetState(ctx, a.Label, a.State); err != nil {
				return fmt.Errorf("label %s: %w", a.Label, err)
			}
			changed = true
		}
		if changed {
			modified++
		}
	}
	o.logger.InfoContext(ctx, "policy file applied", "created", created, "modified", modified)
	return nil
}
