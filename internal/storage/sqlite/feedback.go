package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/co-desk/pkg/logger"
	_ "modernc.org/sqlite"
)

// Ratings accepted by Submit
const (
	RatingYes = "yes"
	RatingNo  = "no"
)

// Feedback errors
var (
	// ErrFeedbackNotFound is returned when a feedback ID is unknown or was already rated
	ErrFeedbackNotFound = errors.New("feedback not found")
	ErrInvalidRating    = errors.New("invalid rating")
)

// timeLayout sorts lexicographically, which the analytics date filters rely on
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FeedbackRecord is an answer awaiting (or carrying) the user's rating
type FeedbackRecord struct {
	FeedbackID       string     `json:"feedback_id"`
	TicketID         string     `json:"ticket_id"`
	UserID           string     `json:"user_id,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	OriginalQuery    string     `json:"original_query"`
	RewrittenQuery   string     `json:"contextualized_query"`
	Answer           string     `json:"ai_response"`
	Category         string     `json:"category,omitempty"`
	KBVersion        string     `json:"knowledge_base_version,omitempty"`
	SelectedFiles    []string   `json:"selected_files"`
	FromCache        bool       `json:"from_cache"`
	HandoffTriggered bool       `json:"handoff_triggered"`
	CreatedAt        time.Time  `json:"created_at"`
	Rating           string     `json:"rating,omitempty"`
	RatedAt          *time.Time `json:"rated_at,omitempty"`
}

// RatingCounts splits a bucket by rating
type RatingCounts struct {
	Yes int `json:"yes"`
	No  int `json:"no"`
}

// Analytics aggregates submitted ratings
type Analytics struct {
	Total         int                     `json:"total"`
	YesCount      int                     `json:"yes_count"`
	NoCount       int                     `json:"no_count"`
	YesPercentage float64                 `json:"yes_percentage"`
	NoPercentage  float64                 `json:"no_percentage"`
	ByCategory    map[string]RatingCounts `json:"by_category"`
	ByDate        map[string]RatingCounts `json:"by_date"`
	ByKBVersion   map[string]RatingCounts `json:"by_kb_version"`
}

// AnalyticsFilter narrows Analytics. Zero values mean no filter.
type AnalyticsFilter struct {
	Start    time.Time
	End      time.Time
	Category string
}

// FeedbackStorage is a SQLite-based ledger of answer ratings
type FeedbackStorage struct {
	db        *sql.DB
	logger    *logger.Logger
	kbVersion string
	now       func() time.Time
}

// NewFeedbackStorage opens (or creates) the feedback database at dbPath
func NewFeedbackStorage(dbPath, kbVersion string, log *logger.Logger) (*FeedbackStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	if kbVersion == "" {
		kbVersion = time.Now().UTC().Format("2006-01-02")
	}

	return &FeedbackStorage{
		db:        db,
		logger:    storageLogger,
		kbVersion: kbVersion,
		now:       time.Now,
	}, nil
}

// Close closes the database connection
func (s *FeedbackStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS feedback (
			feedback_id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			user_id TEXT,
			session_id TEXT,
			original_query TEXT NOT NULL,
			contextualized_query TEXT,
			ai_response TEXT,
			category TEXT,
			kb_version TEXT,
			selected_files TEXT,
			from_cache INTEGER NOT NULL DEFAULT 0,
			handoff_triggered INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			rating TEXT,
			rated_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create feedback table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_feedback_rating ON feedback(rating)`)
	if err != nil {
		return fmt.Errorf("failed to create rating index: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON feedback(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

// CreatePending records an answer that the user may rate later and returns its feedback ID
func (s *FeedbackStorage) CreatePending(ctx context.Context, rec *FeedbackRecord) (string, error) {
	if rec.FeedbackID == "" {
		rec.FeedbackID = uuid.NewString()
	}
	if rec.KBVersion == "" {
		rec.KBVersion = s.kbVersion
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.SelectedFiles == nil {
		rec.SelectedFiles = []string{}
	}
	files, err := json.Marshal(rec.SelectedFiles)
	if err != nil {
		return "", fmt.Errorf("failed to encode selected files: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback
		(feedback_id, ticket_id, user_id, session_id, original_query, contextualized_query, ai_response,
		 category, kb_version, selected_files, from_cache, handoff_triggered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FeedbackID,
		rec.TicketID,
		rec.UserID,
		rec.SessionID,
		rec.OriginalQuery,
		rec.RewrittenQuery,
		rec.Answer,
		rec.Category,
		rec.KBVersion,
		string(files),
		rec.FromCache,
		rec.HandoffTriggered,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert feedback: %w", err)
	}

	s.logger.Debug("Created pending feedback", logger.String("feedback_id", rec.FeedbackID))
	return rec.FeedbackID, nil
}

// Submit stores the user's rating and returns the rated record.
// Unknown or already rated IDs return ErrFeedbackNotFound.
func (s *FeedbackStorage) Submit(ctx context.Context, feedbackID, rating string) (*FeedbackRecord, error) {
	if rating != RatingYes && rating != RatingNo {
		return nil, fmt.Errorf("%w %q (want %q or %q)", ErrInvalidRating, rating, RatingYes, RatingNo)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback SET rating = ?, rated_at = ? WHERE feedback_id = ? AND rating IS NULL`,
		rating, s.now().UTC().Format(timeLayout), feedbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to update feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Warn("Feedback ID not found", logger.String("feedback_id", feedbackID))
		return nil, ErrFeedbackNotFound
	}

	s.logger.Info("Feedback submitted",
		logger.String("feedback_id", feedbackID),
		logger.String("rating", rating))
	return s.Get(ctx, feedbackID)
}

// Get returns one feedback record
func (s *FeedbackStorage) Get(ctx context.Context, feedbackID string) (*FeedbackRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT feedback_id, ticket_id, user_id, session_id, original_query, contextualized_query, ai_response,
		        category, kb_version, selected_files, from_cache, handoff_triggered, created_at, rating, rated_at
		FROM feedback WHERE feedback_id = ?`, feedbackID)

	var (
		rec                    FeedbackRecord
		userID, sessionID      sql.NullString
		rewritten, answer      sql.NullString
		category, kbVersion    sql.NullString
		files, rating, ratedAt sql.NullString
		createdAt              string
	)
	err := row.Scan(&rec.FeedbackID, &rec.TicketID, &userID, &sessionID, &rec.OriginalQuery, &rewritten, &answer,
		&category, &kbVersion, &files, &rec.FromCache, &rec.HandoffTriggered, &createdAt, &rating, &ratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}

	rec.UserID = userID.String
	rec.SessionID = sessionID.String
	rec.RewrittenQuery = rewritten.String
	rec.Answer = answer.String
	rec.Category = category.String
	rec.KBVersion = kbVersion.String
	rec.Rating = rating.String
	rec.SelectedFiles = []string{}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &rec.SelectedFiles); err != nil {
			return nil, fmt.Errorf("failed to decode selected files: %w", err)
		}
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if ratedAt.Valid {
		t, err := time.Parse(timeLayout, ratedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rated_at: %w", err)
		}
		rec.RatedAt = &t
	}
	return &rec, nil
}

// Analytics aggregates rated feedback matching the filter
func (s *FeedbackStorage) Analytics(ctx context.Context, f AnalyticsFilter) (*Analytics, error) {
	query := `SELECT COALESCE(NULLIF(category, ''), 'uncategorized'), COALESCE(NULLIF(kb_version, ''), 'unknown'),
	                 substr(created_at, 1, 10), rating
	          FROM feedback WHERE rating IS NOT NULL`
	var args []any
	if !f.Start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Start.UTC().Format(timeLayout))
	}
	if !f.End.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.End.UTC().Format(timeLayout))
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", err)
	}
	defer rows.Close()

	a := &Analytics{
		ByCategory:  map[string]RatingCounts{},
		ByDate:      map[string]RatingCounts{},
		ByKBVersion: map[string]RatingCounts{},
	}
	for rows.Next() {
		var category, kbVersion, day, rating string
		if err := rows.Scan(&category, &kbVersion, &day, &rating); err != nil {
			return nil, fmt.Errorf("failed to scan analytics row: %w", err)
		}
		a.Total++
		yes := rating == RatingYes
		if yes {
			a.YesCount++
		} else {
			a.NoCount++
		}
		bump(a.ByCategory, category, yes)
		bump(a.ByDate, day, yes)
		bump(a.ByKBVersion, kbVersion, yes)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analytics rows: %w", err)
	}

	if a.Total > 0 {
		a.YesPercentage = percent(a.YesCount, a.Total)
		a.NoPercentage = percent(a.NoCount, a.Total)
	}
	return a, nil
}

func bump(m map[string]RatingCounts, key string, yes bool) {
	c := m[key]
	if yes {
		c.Yes++
	} else {
		c.No++
	}
	m[key] = c
}

func percent(part, total int) float64 {
	// two decimals
	return float64(int(float64(part)*10000/float64(total)+0.5)) / 100
}
