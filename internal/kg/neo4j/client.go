package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/pkg/circuitbreaker"
	"github.com/storygraph/backend/pkg/logger"
	"github.com/storygraph/backend/pkg/retry"
)

// Client is a kg.Store backed by Neo4j. Each call runs in its own managed
// transaction behind a circuit breaker and a bounded retry.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	timeout     time.Duration
	log         *zap.Logger
}

var _ kg.Store = (*Client)(nil)

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
		func(cfg *neo4j.Config) {
			cfg.MaxConnectionPoolSize = 50
			cfg.SocketConnectTimeout = 10 * time.Second
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	log := logger.Named("neo4j")

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		// A missing endpoint is a data condition, not an outage.
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, kg.ErrMissingEndpoint)
		},
		Logger: log,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         log,
	}

	log.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
		timeout:     10 * time.Second,
		log:         log,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// EnsureSchema creates the natural-key uniqueness constraints. Failures are
// logged and ignored so older servers still work.
func (c *Client) EnsureSchema(ctx context.Context) {
	stmts := []string{
		`CREATE CONSTRAINT work_id_unique IF NOT EXISTS FOR (w:Work) REQUIRE w.id IS UNIQUE`,
		`CREATE CONSTRAINT article_id_unique IF NOT EXISTS FOR (a:Article) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT character_key_unique IF NOT EXISTS FOR (c:Character) REQUIRE (c.work_id, c.name) IS UNIQUE`,
		`CREATE CONSTRAINT faction_key_unique IF NOT EXISTS FOR (f:Faction) REQUIRE (f.work_id, f.name) IS UNIQUE`,
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.database,
	})
	defer session.Close(ctx)

	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			c.log.Warn("Schema init failed (continuing)", zap.String("stmt", stmt), zap.Error(err))
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

// Ping checks that the server answers a trivial query.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWrite(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return c.execute(ctx, neo4j.AccessModeWrite, work)
}

func (c *Client) executeRead(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return c.execute(ctx, neo4j.AccessModeRead, work)
}

func (c *Client) execute(ctx context.Context, mode neo4j.AccessMode, work neo4j.ManagedTransactionWork) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out any
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: c.database})
			defer session.Close(ctx)

			var err error
			if mode == neo4j.AccessModeWrite {
				out, err = session.ExecuteWrite(ctx, work)
			} else {
				out, err = session.ExecuteRead(ctx, work)
			}
			if errors.Is(err, kg.ErrMissingEndpoint) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	return out, err
}

func (c *Client) MergeNode(ctx context.Context, ref kg.NodeRef, attrs map[string]any) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	match, params := keyPattern("n", ref)
	params["attrs"] = cleanAttrs(attrs)
	query := fmt.Sprintf("MERGE %s SET n += $attrs, n.updated_at = timestamp()", match)

	_, err := c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to merge node %s: %w", ref, err)
	}

	c.log.Debug("Node merged", zap.String("node", ref.String()))
	return nil
}

func (c *Client) MergeEdge(ctx context.Context, from kg.NodeRef, relType string, to kg.NodeRef, attrs map[string]any) error {
	if !kg.ValidRelType(relType) {
		return fmt.Errorf("%w: %q", kg.ErrInvalidRelType, relType)
	}
	if err := validateRef(from); err != nil {
		return err
	}
	if err := validateRef(to); err != nil {
		return err
	}

	fromMatch, params := keyPattern("a", from)
	toMatch, toParams := keyPattern("b", to)
	for k, v := range toParams {
		params[k] = v
	}
	params["attrs"] = cleanAttrs(attrs)

	query := fmt.Sprintf(`
		MATCH %s
		MATCH %s
		MERGE (a)-[r:%s]->(b)
		SET r += $attrs
		RETURN type(r) AS merged
	`, fromMatch, toMatch, relType)

	_, err := c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, kg.ErrMissingEndpoint
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to merge edge %s-[%s]->%s: %w", from, relType, to, err)
	}

	c.log.Debug("Edge merged",
		zap.String("from", from.String()),
		zap.String("type", relType),
		zap.String("to", to.String()),
	)
	return nil
}

func (c *Client) DeleteSubgraph(ctx context.Context, root kg.NodeRef) error {
	if err := validateRef(root); err != nil {
		return err
	}

	match, params := keyPattern("root", root)
	params["owning"] = []string{kg.RelHasCharacter, kg.RelHasFaction}

	query := fmt.Sprintf(`
		MATCH %[1]s
		OPTIONAL MATCH (root)-[o]->(n)
		WHERE type(o) IN $owning
		  AND NOT EXISTS {
		    MATCH (other)-[x]->(n)
		    WHERE type(x) IN $owning AND other <> root
		  }
		WITH root, collect(DISTINCT n) AS owned
		OPTIONAL MATCH (m)-[:BELONGS_TO]->(root)
		WHERE NOT EXISTS {
		  MATCH (m)-[:BELONGS_TO]->(x:%[2]s)
		  WHERE x <> root
		}
		WITH root, owned + collect(DISTINCT m) AS doomed
		FOREACH (d IN doomed | DETACH DELETE d)
		DETACH DELETE root
	`, match, root.Label)

	_, err := c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to delete subgraph %s: %w", root, err)
	}

	c.log.Info("Subgraph deleted", zap.String("root", root.String()))
	return nil
}

func (c *Client) Query(ctx context.Context, q kg.Query) ([]kg.Row, error) {
	cypher, params, err := compile(q)
	if err != nil {
		return nil, err
	}

	out, err := c.executeRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]kg.Row, 0, len(records))
		for _, record := range records {
			rows = append(rows, kg.Row(record.AsMap()))
		}
		return rows, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", q.Pattern, err)
	}

	rows, _ := out.([]kg.Row)
	return rows, nil
}

// keyPattern renders "(v:Label {k: $v_k, ...})" and its parameters.
func keyPattern(v string, ref kg.NodeRef) (string, map[string]any) {
	fields := ref.KeyFields()
	parts := make([]string, 0, len(fields))
	params := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		p := v + "_" + f
		parts = append(parts, fmt.Sprintf("%s: $%s", f, p))
		params[p] = ref.Key[f]
	}
	return fmt.Sprintf("(%s:%s {%s})", v, ref.Label, strings.Join(parts, ", ")), params
}

func validateRef(ref kg.NodeRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	for _, f := range ref.KeyFields() {
		if !isIdentifier(f) {
			return fmt.Errorf("invalid key field %q on %s", f, ref.Label)
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// cleanAttrs drops nil values, which Neo4j would treat as property removal.
func cleanAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
