package postgres

import (
	"context"
	"database/sql"
	"sync"

	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces" // interface RemoteConfirmer
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	_ "github.com/lib/pq"
)

// RemoteLedger is the backend that acknowledges locally authorized payments.
// Confirming a batch records every transaction in confirmed_transactions.
type RemoteLedger struct {
	db *sql.DB

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewRemoteLedger(db *sql.DB) *RemoteLedger {
	return &RemoteLedger{
		db: db,
	}
}

// Connect prepares a handle without touching the network. The schema is created
// on the first Confirm, so a device that starts offline can still boot.
func Connect(dsn string) (*RemoteLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewRemoteLedger(db), nil
}

func (p *RemoteLedger) EnsureSchema(ctx context.Context) error {
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	if p.schemaReady {
		return nil
	}

	const query = `CREATE TABLE IF NOT EXISTS confirmed_transactions (
		id TEXT PRIMARY KEY,
		amount NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return err
	}
	p.schemaReady = true
	return nil
}

func (p *RemoteLedger) Close() error {
	return p.db.Close()
}

// Confirm writes the whole batch in one database transaction. Replayed IDs are ignored
// so a retried sync never double records a payment.
func (p *RemoteLedger) Confirm(ctx context.Context, txs []models.Transaction) (err error) {
	if err = p.EnsureSchema(ctx); err != nil {
		return err
	}
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	for _, tx := range txs {
		if err = p.saveConfirmation(ctx, dbTx, tx); err != nil {
			return err
		}
	}
	return dbTx.Commit()
}

func (p *RemoteLedger) saveConfirmation(ctx context.Context, dbTx *sql.Tx, tx models.Transaction) error {
	const query = `INSERT INTO confirmed_transactions (id, amount, created_at)
	VALUES ($1,$2,$3)
	ON CONFLICT (id) DO NOTHING`

	_, err := dbTx.ExecContext(ctx, query, tx.ID, tx.Amount, tx.Timestamp)
	return err
}

var _ interfaces.RemoteConfirmer = (*RemoteLedger)(nil)
