package event

import "github.com/google/uuid"

// DepositConfirmed credits an account's free balance. The deposit itself
// is settled by an external collaborator; this command is the confirmation
// the ledger acts on.
type DepositConfirmed struct {
	DepositID   uuid.UUID
	Account     uuid.UUID
	Amount      int64
	SubmittedAt int64
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) Kind() CommandKind {
	return CommandKindDepositConfirmed
}

func (d *DepositConfirmed) FeedID() *string {
	return nil
}

func (d *DepositConfirmed) Timestamp() int64 {
	return d.SubmittedAt
}
