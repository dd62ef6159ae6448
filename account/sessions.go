package account

import (
	"context"
	"fmt"

	"github.com/blndgs/sessionkit/session"
)

// SessionEnableCalls stores PENDING leaves for params and returns the calls
// that publish them: enableModule for the session key manager when it is not
// yet enabled, then setMerkleRoot. Send the calls, then ActivateSessions
// once they are mined, or ClearPendingSessions on the engine if they fail.
func (a *SmartAccount) SessionEnableCalls(ctx context.Context, engine *session.Engine, params []session.LeafParams) ([]Call, []string, error) {
	addr, err := a.Address(ctx)
	if err != nil {
		return nil, nil, err
	}
	if engine.Account() != addr {
		return nil, nil, fmt.Errorf("session engine is bound to %s, not %s", engine.Account(), addr)
	}

	manager := engine.ManagerAddress()
	enabled, err := a.IsModuleEnabled(ctx, manager)
	if err != nil {
		return nil, nil, err
	}

	data, err := engine.CreateSessionData(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	var calls []Call
	if !enabled {
		enableData, err := SmartAccountABI.Pack("enableModule", manager)
		if err != nil {
			return nil, nil, fmt.Errorf("encode enableModule: %w", err)
		}
		calls = append(calls, Call{To: addr, Data: enableData})
	}
	calls = append(calls, Call{To: manager, Data: data.SetRootCallData})

	logger.Info("Session enable calls prepared", "account", addr, "manager", manager,
		"enableModule", !enabled, "root", data.Root, "sessions", len(data.SessionIDs))
	return calls, data.SessionIDs, nil
}

// ActivateSessions marks sessions ACTIVE after their root was published.
func (a *SmartAccount) ActivateSessions(ctx context.Context, engine *session.Engine, sessionIDs []string) error {
	for _, id := range sessionIDs {
		if err := engine.UpdateSessionStatus(ctx, session.SearchParams{SessionID: id}, session.StatusActive); err != nil {
			return fmt.Errorf("activate session %s: %w", id, err)
		}
	}
	return nil
}
