package escrow

import (
	"context"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/usecase"
)

// Dispatcher names under which Register exposes the engine.
const (
	QueryGet      = "escrow.get"
	QueryList     = "escrow.query"
	QueryRoles    = "escrow.roles"
	QueryInFlight = "escrow.inflight"
)

// CommandName returns the dispatcher name of a lifecycle command.
func CommandName(c domain.Command) string {
	return "escrow." + string(c)
}

// RolesQuery asks which roles Address holds in an escrow.
type RolesQuery struct {
	EscrowID string
	Address  string
}

// Register exposes every command and query on d.
func (uc *UseCase) Register(d *usecase.Dispatcher) {
	d.RegisterCommand(CommandName(domain.CommandInitialize), command(uc.Initialize))
	d.RegisterCommand(CommandName(domain.CommandFund), command(uc.Fund))
	d.RegisterCommand(CommandName(domain.CommandCompleteMilestone), command(uc.CompleteMilestone))
	d.RegisterCommand(CommandName(domain.CommandApproveMilestone), command(uc.ApproveMilestone))
	d.RegisterCommand(CommandName(domain.CommandEditMilestones), command(uc.EditMilestones))
	d.RegisterCommand(CommandName(domain.CommandRemoveMilestone), command(uc.RemoveMilestone))
	d.RegisterCommand(CommandName(domain.CommandStartDispute), command(uc.StartDispute))
	d.RegisterCommand(CommandName(domain.CommandResolveDispute), command(uc.ResolveDispute))
	d.RegisterCommand(CommandName(domain.CommandRelease), command(uc.Release))

	d.RegisterQuery(QueryGet, func(ctx context.Context, params interface{}) (interface{}, error) {
		id, ok := params.(string)
		if !ok {
			return nil, domain.ErrInvalidPayload
		}
		return uc.Get(ctx, id)
	})
	d.RegisterQuery(QueryList, func(ctx context.Context, params interface{}) (interface{}, error) {
		filter, ok := params.(repository.EscrowFilter)
		if !ok {
			return nil, domain.ErrInvalidPayload
		}
		return uc.Query(ctx, filter)
	})
	d.RegisterQuery(QueryRoles, func(ctx context.Context, params interface{}) (interface{}, error) {
		q, ok := params.(RolesQuery)
		if !ok {
			return nil, domain.ErrInvalidPayload
		}
		return uc.Roles(ctx, q.EscrowID, q.Address)
	})
	d.RegisterQuery(QueryInFlight, func(ctx context.Context, params interface{}) (interface{}, error) {
		id, ok := params.(string)
		if !ok {
			return nil, domain.ErrInvalidPayload
		}
		return uc.InFlight(id), nil
	})
}

func command[T any](fn func(context.Context, T) (*domain.Escrow, error)) usecase.CommandHandler {
	return func(ctx context.Context, payload interface{}) (interface{}, error) {
		cmd, ok := payload.(T)
		if !ok {
			return nil, domain.ErrInvalidPayload
		}
		return fn(ctx, cmd)
	}
}
