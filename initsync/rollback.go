package initsync

import (
	"context"
	"fmt"

	"github.com/shrtyk/initial-sync/api"
)

// rollbackChecker brackets an attempt with two rollback id reads from
// the same sync source. Neither read is retried.
type rollbackChecker struct {
	runner   api.CommandRunner
	host     string
	baseRBID int64
}

func newRollbackChecker(runner api.CommandRunner, host string) *rollbackChecker {
	return &rollbackChecker{runner: runner, host: host}
}

// reset reads and remembers the base rollback id.
func (rc *rollbackChecker) reset(ctx context.Context) (int64, error) {
	rbid, err := rc.fetch(ctx)
	if err != nil {
		return 0, err
	}
	rc.baseRBID = rbid
	return rbid, nil
}

// hasHadRollback reports whether the rollback id moved since reset.
func (rc *rollbackChecker) hasHadRollback(ctx context.Context) (bool, error) {
	rbid, err := rc.fetch(ctx)
	if err != nil {
		return false, err
	}
	return rbid != rc.baseRBID, nil
}

func (rc *rollbackChecker) fetch(ctx context.Context) (int64, error) {
	reply, err := rc.runner.RunCommand(ctx, rc.host, api.NewCommand("admin", "replSetGetRBID", 1, nil))
	if err != nil {
		return 0, fmt.Errorf("failed to get rollback id from %s: %w", rc.host, err)
	}
	if err := api.CheckReply(reply); err != nil {
		return 0, fmt.Errorf("failed to get rollback id from %s: %w", rc.host, err)
	}
	rbid, err := reply.Int64("rbid")
	if err != nil {
		return 0, fmt.Errorf("invalid rollback id reply from %s: %w", rc.host, err)
	}
	return rbid, nil
}
