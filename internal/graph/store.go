package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const constraintViolationCode = "Neo.ClientError.Schema.ConstraintValidationFailed"

// Store wraps the Neo4j driver. All graph access goes through it.
type Store struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// Connect opens the driver, verifies connectivity with exponential backoff,
// and ensures schema constraints exist.
func Connect(ctx context.Context, uri, user, password string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	if err := backoff.Retry(func() error {
		return driver.VerifyConnectivity(ctx)
	}, policy); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	s := &Store{
		driver: driver,
		logger: slog.Default().With("component", "graph"),
	}
	if err := s.ensureConstraints(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}

	return s, nil
}

// Close shuts down the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// ensureConstraints creates the uniqueness constraints the write paths rely
// on. The constraint on supersedesId is the linear-history guard: each
// assertion can be superseded at most once, graph-wide.
func (s *Store) ensureConstraints(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT assertion_id IF NOT EXISTS
		 FOR (a:Assertion) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT identity_id IF NOT EXISTS
		 FOR (i:Identity) REQUIRE i.id IS UNIQUE`,
		`CREATE CONSTRAINT topic_id IF NOT EXISTS
		 FOR (t:Topic) REQUIRE t.id IS UNIQUE`,
		`CREATE CONSTRAINT assertion_supersedes IF NOT EXISTS
		 FOR (a:Assertion) REQUIRE a.supersedesId IS UNIQUE`,
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure graph constraints: %w", err)
		}
	}

	s.logger.Info("graph constraints ensured")
	return nil
}

// isConstraintViolation reports whether err is the schema uniqueness error
// that signals a losing supersedesId race.
func isConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	return errors.As(err, &neoErr) && neoErr.Code == constraintViolationCode
}

// Confirmation is the graph-side proof a reconciled publish actually landed.
type Confirmation struct {
	AssertionID string
	CreatedAt   time.Time
}

// ConfirmAssertion verifies that an assertion exists and is authored by the
// given user. The idempotency reconciler calls this before it transitions
// any pending record to complete.
func (s *Store) ConfirmAssertion(ctx context.Context, assertionID, userID string) (*Confirmation, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (*Confirmation, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Assertion {id: $id})-[:AUTHORED_BY]->(u:Identity {id: $userId})
			RETURN a.id AS id, a.createdAt AS createdAt`,
			map[string]interface{}{"id": assertionID, "userId": userID})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		createdAt, _ := records[0].Get("createdAt")
		ts, _ := createdAt.(time.Time)
		return &Confirmation{AssertionID: assertionID, CreatedAt: ts}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm assertion %s: %w", assertionID, err)
	}
	return result, nil
}

// readSession opens a read session; callers must close it.
func (s *Store) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
}

// writeSession opens a write session; callers must close it.
func (s *Store) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}
