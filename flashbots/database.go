package flashbots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ErrOutcomeNotFound    = errors.New("outcome not found")
	ErrUnknownOutcomeType = errors.New("unknown inclusion status")
)

// Schema creates the journal tables, it's safe to apply more than once
var Schema = `
CREATE TABLE IF NOT EXISTS bundle_submission (
    hash         bytea     NOT NULL,
    relay        text      NOT NULL,
    local_hash   bytea     NOT NULL,
    signer       bytea     NOT NULL,
    target_block bigint    NOT NULL,
    tx_count     integer   NOT NULL,
    body         jsonb     NOT NULL,
    inserted_at  timestamp NOT NULL DEFAULT now(),
    PRIMARY KEY (hash, target_block, relay)
);
CREATE INDEX IF NOT EXISTS bundle_submission_target_block_idx ON bundle_submission (target_block);

-- block is the target block, the bundle hash doesn't commit to it
CREATE TABLE IF NOT EXISTS bundle_outcome (
    hash         bytea     NOT NULL,
    block        bigint    NOT NULL,
    status       text      NOT NULL,
    block_hash   bytea,
    error        text,
    resolved_at  timestamp NOT NULL DEFAULT now(),
    PRIMARY KEY (hash, block)
);

-- journals created before submissions were keyed per target block
DO $$
BEGIN
    IF EXISTS (SELECT 1 FROM pg_index i JOIN pg_class c ON c.oid = i.indrelid
               WHERE c.relname = 'bundle_submission' AND i.indisprimary AND i.indnatts <> 3) THEN
        ALTER TABLE bundle_submission DROP CONSTRAINT bundle_submission_pkey;
        ALTER TABLE bundle_submission ADD PRIMARY KEY (hash, target_block, relay);
    END IF;
    IF EXISTS (SELECT 1 FROM pg_index i JOIN pg_class c ON c.oid = i.indrelid
               WHERE c.relname = 'bundle_outcome' AND i.indisprimary AND i.indnatts <> 2) THEN
        ALTER TABLE bundle_outcome DROP CONSTRAINT bundle_outcome_pkey;
        ALTER TABLE bundle_outcome ADD PRIMARY KEY (hash, block);
    END IF;
END
$$;`

type DBBundleSubmission struct {
	Hash        []byte    `db:"hash"`
	Relay       string    `db:"relay"`
	LocalHash   []byte    `db:"local_hash"`
	Signer      []byte    `db:"signer"`
	TargetBlock int64     `db:"target_block"`
	TxCount     int       `db:"tx_count"`
	Body        []byte    `db:"body"`
	InsertedAt  time.Time `db:"inserted_at"`
}

// DBBundleBody is what is stored in bundle_submission.body
type DBBundleBody struct {
	TxHashes        []common.Hash `json:"txHashes"`
	MinTimestamp    *uint64       `json:"minTimestamp,omitempty"`
	MaxTimestamp    *uint64       `json:"maxTimestamp,omitempty"`
	RevertingHashes []common.Hash `json:"revertingTxHashes,omitempty"`
}

var insertSubmissionQuery = `
INSERT INTO bundle_submission (hash, relay, local_hash, signer, target_block, tx_count, body)
VALUES (:hash, :relay, :local_hash, :signer, :target_block, :tx_count, :body)
ON CONFLICT (hash, target_block, relay) DO NOTHING
RETURNING hash`

var selectUnresolvedSubmissionsQuery = `
SELECT s.hash, s.relay, s.local_hash, s.signer, s.target_block, s.tx_count, s.body, s.inserted_at
FROM bundle_submission s
LEFT JOIN bundle_outcome o ON o.hash = s.hash AND o.block = s.target_block
WHERE o.hash IS NULL AND s.target_block >= $1
ORDER BY s.target_block, s.inserted_at`

type DBBundleOutcome struct {
	Hash       []byte         `db:"hash"`
	Status     string         `db:"status"`
	Block      int64          `db:"block"`
	BlockHash  []byte         `db:"block_hash"`
	Error      sql.NullString `db:"error"`
	ResolvedAt time.Time      `db:"resolved_at"`
}

var insertOutcomeQuery = `
INSERT INTO bundle_outcome (hash, status, block, block_hash, error)
VALUES (:hash, :status, :block, :block_hash, :error)
ON CONFLICT (hash, block) DO
UPDATE SET status = :status, block_hash = :block_hash, error = :error, resolved_at = now()`

var getOutcomeQuery = `
SELECT hash, status, block, block_hash, error, resolved_at
FROM bundle_outcome
WHERE hash = $1 AND block = $2`

type DBBackend struct {
	db *sqlx.DB

	insertSubmission *sqlx.NamedStmt
	insertOutcome    *sqlx.NamedStmt
	getOutcome       *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	// statements are prepared against the schema
	_, err = db.Exec(Schema)
	if err != nil {
		return nil, err
	}

	insertSubmission, err := db.PrepareNamed(insertSubmissionQuery)
	if err != nil {
		return nil, err
	}
	insertOutcome, err := db.PrepareNamed(insertOutcomeQuery)
	if err != nil {
		return nil, err
	}
	getOutcome, err := db.Preparex(getOutcomeQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:               db,
		insertSubmission: insertSubmission,
		insertOutcome:    insertOutcome,
		getOutcome:       getOutcome,
	}, nil
}

// InsertSubmission journals a bundle accepted by a relay for one target block.
// known is true if this relay submission was already stored.
func (b *DBBackend) InsertSubmission(ctx context.Context, submitted SubmittedBundle, bundle BundleRequest, signer common.Address) (known bool, err error) {
	body := DBBundleBody{
		TxHashes:        submitted.TxHashes,
		RevertingHashes: bundle.RevertingHashes(),
	}
	if ts, ok := bundle.MinTimestamp(); ok {
		body.MinTimestamp = &ts
	}
	if ts, ok := bundle.MaxTimestamp(); ok {
		body.MaxTimestamp = &ts
	}

	dbSubmission := DBBundleSubmission{
		Hash:        submitted.BundleHash.Bytes(),
		Relay:       submitted.Relay,
		LocalHash:   submitted.LocalHash.Bytes(),
		Signer:      signer.Bytes(),
		TargetBlock: int64(submitted.TargetBlock),
		TxCount:     len(submitted.TxHashes),
	}
	dbSubmission.Body, err = json.Marshal(body)
	if err != nil {
		return known, err
	}

	var hash []byte
	err = b.insertSubmission.GetContext(ctx, &hash, dbSubmission)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

// GetUnresolvedSubmissions returns submissions targeting fromBlock or later that have no outcome yet,
// e.g. to resume watching them after a restart
func (b *DBBackend) GetUnresolvedSubmissions(ctx context.Context, fromBlock uint64) ([]SubmittedBundle, error) {
	var rows []DBBundleSubmission
	err := b.db.SelectContext(ctx, &rows, selectUnresolvedSubmissionsQuery, int64(fromBlock))
	if err != nil {
		return nil, err
	}

	res := make([]SubmittedBundle, 0, len(rows))
	for _, row := range rows {
		var body DBBundleBody
		err = json.Unmarshal(row.Body, &body)
		if err != nil {
			return nil, err
		}
		res = append(res, SubmittedBundle{
			BundleHash:  common.BytesToHash(row.Hash),
			LocalHash:   common.BytesToHash(row.LocalHash),
			TargetBlock: uint64(row.TargetBlock),
			TxHashes:    body.TxHashes,
			Relay:       row.Relay,
		})
	}
	return res, nil
}

// InsertOutcome stores the resolved outcome of a bundle for its target block (outcome.BlockNumber).
// A later outcome for the same bundle and target replaces the stored one.
func (b *DBBackend) InsertOutcome(ctx context.Context, outcome InclusionOutcome) error {
	dbOutcome := DBBundleOutcome{
		Hash:   outcome.BundleHash.Bytes(),
		Status: outcome.Status.String(),
		Block:  int64(outcome.BlockNumber),
	}
	if outcome.Status == StatusIncluded {
		dbOutcome.BlockHash = outcome.BlockHash.Bytes()
	}
	if outcome.Reason != nil {
		dbOutcome.Error = sql.NullString{String: outcome.Reason.Error(), Valid: true}
	}

	_, err := b.insertOutcome.ExecContext(ctx, dbOutcome)
	return err
}

func (b *DBBackend) GetOutcome(ctx context.Context, hash common.Hash, targetBlock uint64) (InclusionOutcome, error) {
	var dbOutcome DBBundleOutcome
	err := b.getOutcome.GetContext(ctx, &dbOutcome, hash.Bytes(), int64(targetBlock))
	if errors.Is(err, sql.ErrNoRows) {
		return InclusionOutcome{}, ErrOutcomeNotFound
	} else if err != nil {
		return InclusionOutcome{}, err
	}

	outcome := InclusionOutcome{
		BundleHash:  common.BytesToHash(dbOutcome.Hash),
		BlockNumber: uint64(dbOutcome.Block),
		BlockHash:   common.BytesToHash(dbOutcome.BlockHash),
	}
	switch dbOutcome.Status {
	case StatusIncluded.String():
		outcome.Status = StatusIncluded
	case StatusNotIncluded.String():
		outcome.Status = StatusNotIncluded
	case StatusError.String():
		outcome.Status = StatusError
		outcome.Reason = errors.Join(ErrChainQuery, errors.New(dbOutcome.Error.String)) //nolint:goerr113
	default:
		return InclusionOutcome{}, ErrUnknownOutcomeType
	}
	return outcome, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
