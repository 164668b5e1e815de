// internal/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// PostgresDB is a Backend on PostgreSQL
type PostgresDB struct {
	DB  *sqlx.DB
	log *slog.Logger
}

// nodeRow is a nodes row joined with the viewer-specific like fields
type nodeRow struct {
	models.Node
	AttachmentList pq.StringArray `db:"attachments"`
	HasPoll        bool           `db:"has_poll"`
	PollClosed     bool           `db:"poll_closed"`
}

type optionRow struct {
	NodeID string `db:"node_id"`
	models.PollOption
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string, logger *slog.Logger) (*PostgresDB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %v", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %v", err)
	}

	logger.Info("Connected to PostgreSQL")
	return &PostgresDB{DB: db, log: logger}, nil
}

// Close closes the database connection
func (p *PostgresDB) Close(ctx context.Context) error {
	p.log.Info("Closing PostgreSQL connection")
	return p.DB.Close()
}

// InitializeTables creates all necessary tables if they don't exist
func (p *PostgresDB) InitializeTables(ctx context.Context) error {
	statements := []struct {
		name string
		ddl  string
	}{
		{"nodes", `
			CREATE TABLE IF NOT EXISTS nodes (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				parent_id TEXT REFERENCES nodes(id),
				author_id TEXT NOT NULL,
				depth INTEGER NOT NULL DEFAULT 0,
				content TEXT NOT NULL DEFAULT '',
				attachments TEXT[] NOT NULL DEFAULT '{}',
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				has_poll BOOLEAN NOT NULL DEFAULT FALSE,
				poll_closed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)`},
		{"nodes thread index", `
			CREATE INDEX IF NOT EXISTS nodes_thread_created ON nodes (thread_id, created_at, id)`},
		{"node_likes", `
			CREATE TABLE IF NOT EXISTS node_likes (
				node_id TEXT REFERENCES nodes(id),
				viewer_id TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				PRIMARY KEY (node_id, viewer_id)
			)`},
		{"poll_options", `
			CREATE TABLE IF NOT EXISTS poll_options (
				node_id TEXT REFERENCES nodes(id),
				option_id TEXT NOT NULL,
				label TEXT NOT NULL,
				position INTEGER NOT NULL,
				PRIMARY KEY (node_id, option_id)
			)`},
		{"poll_votes", `
			CREATE TABLE IF NOT EXISTS poll_votes (
				node_id TEXT REFERENCES nodes(id),
				viewer_id TEXT NOT NULL,
				option_id TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				PRIMARY KEY (node_id, viewer_id)
			)`},
	}

	for _, stmt := range statements {
		if _, err := p.DB.ExecContext(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("failed to create %s: %v", stmt.name, err)
		}
	}
	return nil
}

const selectNodes = `
	SELECT
		n.id, n.thread_id, COALESCE(n.parent_id, '') AS parent_id, n.author_id, n.depth,
		n.content, n.attachments, n.is_deleted, n.has_poll, n.poll_closed,
		n.created_at, n.updated_at,
		(SELECT COUNT(*) FROM node_likes l WHERE l.node_id = n.id) AS like_count,
		EXISTS (SELECT 1 FROM node_likes l WHERE l.node_id = n.id AND l.viewer_id = $1) AS liked_by_viewer
	FROM nodes n`

// FetchPage returns one slice of the thread in creation order.
func (p *PostgresDB) FetchPage(ctx context.Context, threadID string, offset, limit int) (*models.Page, error) {
	viewerID := ViewerFrom(ctx)

	var rows []*nodeRow
	query := selectNodes + ` WHERE n.thread_id = $2 ORDER BY n.created_at ASC, n.id ASC LIMIT $3 OFFSET $4`
	if err := p.DB.SelectContext(ctx, &rows, query, viewerID, threadID, limit, offset); err != nil {
		return nil, dbError("failed to query thread page", err)
	}

	var counts struct {
		Total   int `db:"total"`
		Deleted int `db:"deleted"`
	}
	countQuery := `SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE is_deleted) AS deleted FROM nodes WHERE thread_id = $1`
	if err := p.DB.GetContext(ctx, &counts, countQuery, threadID); err != nil {
		return nil, dbError("failed to count thread nodes", err)
	}

	nodes, err := p.assemble(ctx, p.DB, rows, viewerID)
	if err != nil {
		return nil, err
	}
	return &models.Page{
		Nodes:             nodes,
		TotalCount:        counts.Total,
		DeletedTotalCount: counts.Deleted,
		HasMore:           offset+len(nodes) < counts.Total,
	}, nil
}

// SubmitMutation applies one mutation in its own transaction.
func (p *PostgresDB) SubmitMutation(ctx context.Context, req *models.MutationRequest) (*models.MutationResult, error) {
	if req.ViewerID == "" {
		return nil, utils.NewAuthRequiredError(string(req.Kind))
	}

	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, dbError("failed to begin transaction", err)
	}
	defer tx.Rollback() // Rollback is ignored if tx is committed.

	targetID := req.TargetID
	switch req.Kind {
	case models.MutationCreate, models.MutationReply:
		targetID, err = p.insertNode(ctx, tx, req)
	case models.MutationLike:
		err = p.recordLike(ctx, tx, req)
	case models.MutationVote:
		err = p.recordVote(ctx, tx, req)
	case models.MutationEdit:
		err = p.updateOwned(ctx, tx, req,
			`UPDATE nodes SET content = $1, attachments = $2, updated_at = NOW()
			 WHERE id = $3 AND thread_id = $4 AND author_id = $5 AND NOT is_deleted`,
			req.Content, pq.Array(req.Attachments), req.TargetID, req.ThreadID, req.ViewerID)
	case models.MutationDelete:
		err = p.updateOwned(ctx, tx, req,
			`UPDATE nodes SET is_deleted = TRUE, updated_at = NOW()
			 WHERE id = $1 AND thread_id = $2 AND author_id = $3`,
			req.TargetID, req.ThreadID, req.ViewerID)
	default:
		err = utils.NewValidationError("unsupported mutation kind %q", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	node, err := p.loadNode(ctx, tx, targetID, req.ViewerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, dbError("failed to commit mutation", err)
	}

	return &models.MutationResult{
		CorrelationID: req.CorrelationID,
		Node:          node,
		Liked:         node.IsLikedByViewer,
		LikeCount:     node.LikeCount,
		Poll:          node.Poll,
	}, nil
}

func (p *PostgresDB) insertNode(ctx context.Context, tx *sqlx.Tx, req *models.MutationRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return "", utils.NewValidationError("content or an attachment is required")
	}

	var parentID sql.NullString
	depth := 0
	if req.Kind == models.MutationReply {
		var parent struct {
			Depth     int  `db:"depth"`
			IsDeleted bool `db:"is_deleted"`
		}
		err := tx.GetContext(ctx, &parent,
			`SELECT depth, is_deleted FROM nodes WHERE id = $1 AND thread_id = $2 FOR SHARE`,
			req.ParentID, req.ThreadID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", utils.NewNotFoundError("node", req.ParentID)
		}
		if err != nil {
			return "", dbError("failed to read reply target", err)
		}
		if parent.IsDeleted {
			return "", utils.NewConflictError("cannot reply to deleted node "+req.ParentID, nil)
		}
		parentID = sql.NullString{String: req.ParentID, Valid: true}
		depth = parent.Depth + 1
	}

	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, thread_id, parent_id, author_id, depth, content, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, req.ThreadID, parentID, req.ViewerID, depth, req.Content, pq.Array(req.Attachments))
	if err != nil {
		return "", dbError("failed to insert node", err)
	}
	p.log.Debug("Inserted node", "node", id, "thread", req.ThreadID, "parent", req.ParentID)
	return id, nil
}

func (p *PostgresDB) recordLike(ctx context.Context, tx *sqlx.Tx, req *models.MutationRequest) error {
	if err := p.requireNode(ctx, tx, req.ThreadID, req.TargetID); err != nil {
		return err
	}
	var err error
	if req.Liked {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_likes (node_id, viewer_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			req.TargetID, req.ViewerID)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM node_likes WHERE node_id = $1 AND viewer_id = $2`, req.TargetID, req.ViewerID)
	}
	if err != nil {
		return dbError("failed to record like", err)
	}
	return nil
}

// recordVote inserts, changes or removes the viewer's single vote.
func (p *PostgresDB) recordVote(ctx context.Context, tx *sqlx.Tx, req *models.MutationRequest) error {
	var poll struct {
		HasPoll bool `db:"has_poll"`
		Closed  bool `db:"poll_closed"`
	}
	err := tx.GetContext(ctx, &poll,
		`SELECT has_poll, poll_closed FROM nodes WHERE id = $1 AND thread_id = $2 FOR UPDATE`,
		req.TargetID, req.ThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return utils.NewNotFoundError("node", req.TargetID)
	}
	if err != nil {
		return dbError("failed to read poll", err)
	}
	switch {
	case !poll.HasPoll:
		return utils.NewValidationError("node %s has no poll", req.TargetID)
	case poll.Closed:
		return utils.NewConflictError("voting on node "+req.TargetID+" is closed", nil)
	}

	if req.OptionID == "" {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM poll_votes WHERE node_id = $1 AND viewer_id = $2`, req.TargetID, req.ViewerID)
		if err != nil {
			return dbError("failed to retract vote", err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO poll_votes (node_id, viewer_id, option_id)
		SELECT $1, $2, option_id FROM poll_options WHERE node_id = $1 AND option_id = $3
		ON CONFLICT (node_id, viewer_id) DO UPDATE SET option_id = EXCLUDED.option_id, created_at = NOW()`,
		req.TargetID, req.ViewerID, req.OptionID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return utils.NewNotFoundError("node", req.TargetID)
	}
	if err != nil {
		return dbError("failed to record vote", err)
	}

	var exists bool
	err = tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM poll_votes WHERE node_id = $1 AND viewer_id = $2 AND option_id = $3)`,
		req.TargetID, req.ViewerID, req.OptionID)
	if err != nil {
		return dbError("failed to verify vote", err)
	}
	if !exists {
		return utils.NewValidationError("unknown poll option %q", req.OptionID)
	}
	return nil
}

func (p *PostgresDB) updateOwned(ctx context.Context, tx *sqlx.Tx, req *models.MutationRequest, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError("failed to update node", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if err := p.requireNode(ctx, tx, req.ThreadID, req.TargetID); err != nil {
			return err
		}
		return utils.NewConflictError("node "+req.TargetID+" cannot be changed by this viewer", nil)
	}
	return nil
}

func (p *PostgresDB) requireNode(ctx context.Context, tx *sqlx.Tx, threadID, nodeID string) error {
	var exists bool
	err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1 AND thread_id = $2)`, nodeID, threadID)
	if err != nil {
		return dbError("failed to look up node", err)
	}
	if !exists {
		return utils.NewNotFoundError("node", nodeID)
	}
	return nil
}

func (p *PostgresDB) loadNode(ctx context.Context, q sqlx.QueryerContext, id, viewerID string) (*models.Node, error) {
	var rows []*nodeRow
	if err := sqlx.SelectContext(ctx, q, &rows, selectNodes+` WHERE n.id = $2`, viewerID, id); err != nil {
		return nil, dbError("failed to load node", err)
	}
	if len(rows) == 0 {
		return nil, utils.NewNotFoundError("node", id)
	}
	nodes, err := p.assemble(ctx, q, rows, viewerID)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// assemble turns scanned rows into nodes and loads the polls among them.
func (p *PostgresDB) assemble(ctx context.Context, q sqlx.QueryerContext, rows []*nodeRow, viewerID string) ([]*models.Node, error) {
	nodes := make([]*models.Node, 0, len(rows))
	var pollIDs []string
	for _, row := range rows {
		n := row.Node
		n.Attachments = []string(row.AttachmentList)
		if row.HasPoll {
			n.Poll = &models.Poll{Closed: row.PollClosed}
			pollIDs = append(pollIDs, n.ID)
		}
		nodes = append(nodes, &n)
	}
	if len(pollIDs) == 0 {
		return nodes, nil
	}

	var options []*optionRow
	err := sqlx.SelectContext(ctx, q, &options, `
		SELECT o.node_id, o.option_id, o.label,
			(SELECT COUNT(*) FROM poll_votes v WHERE v.node_id = o.node_id AND v.option_id = o.option_id) AS vote_count
		FROM poll_options o
		WHERE o.node_id = ANY($1)
		ORDER BY o.node_id, o.position`, pq.Array(pollIDs))
	if err != nil {
		return nil, dbError("failed to load poll options", err)
	}

	var selected []struct {
		NodeID   string `db:"node_id"`
		OptionID string `db:"option_id"`
	}
	err = sqlx.SelectContext(ctx, q, &selected,
		`SELECT node_id, option_id FROM poll_votes WHERE viewer_id = $1 AND node_id = ANY($2)`,
		viewerID, pq.Array(pollIDs))
	if err != nil {
		return nil, dbError("failed to load viewer votes", err)
	}

	mergePolls(nodes, options, func(nodeID string) string {
		for _, s := range selected {
			if s.NodeID == nodeID {
				return s.OptionID
			}
		}
		return ""
	})
	return nodes, nil
}

// mergePolls attaches option rows to their nodes and derives each total
// from the option counts.
func mergePolls(nodes []*models.Node, options []*optionRow, selectedFor func(nodeID string) string) {
	byID := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		if n.Poll != nil {
			byID[n.ID] = n
		}
	}
	for _, o := range options {
		if n, ok := byID[o.NodeID]; ok {
			n.Poll.Options = append(n.Poll.Options, o.PollOption)
		}
	}
	for id, n := range byID {
		n.Poll.Selected = selectedFor(id)
		n.Poll.Total = n.Poll.SumCounts()
	}
}

// SeedPoll stores the options of a poll node. Used by fixtures and the
// simulator; polls are not created through mutations.
func (p *PostgresDB) SeedPoll(ctx context.Context, nodeID string, options []models.PollOption) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return dbError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET has_poll = TRUE WHERE id = $1`, nodeID); err != nil {
		return dbError("failed to mark poll", err)
	}
	for i, o := range options {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO poll_options (node_id, option_id, label, position) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (node_id, option_id) DO UPDATE SET label = EXCLUDED.label, position = EXCLUDED.position`,
			nodeID, o.ID, o.Label, i)
		if err != nil {
			return dbError("failed to save poll option", err)
		}
	}
	return tx.Commit()
}

func dbError(message string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return utils.NewConflictError(message, err)
	}
	return utils.NewTransportError(message, err)
}
