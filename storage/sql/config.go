package sql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/dingus-idp/dingus/storage"
)

const pgErrUniqueViolation = "23505" // unique_violation

const (
	pgSSLDisable    = "disable"
	pgSSLRequire    = "require"
	pgSSLVerifyCA   = "verify-ca"
	pgSSLVerifyFull = "verify-full"
)

// SSL carries TLS options for the networked Postgres engine.
type SSL struct {
	Mode     string
	CAFile   string
	KeyFile  string
	CertFile string
}

// Postgres configures the networked relational engine.
type Postgres struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	ConnectionTimeout int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int

	SSL SSL `json:"ssl" yaml:"ssl"`
}

// Open constructs a storage.Storage backed by Postgres, running
// migrations as part of construction.
func (p *Postgres) Open(ctx context.Context, logger *slog.Logger) (storage.Storage, error) {
	return p.open(ctx, logger)
}

var strEsc = regexp.MustCompile(`([\\'])`)

func dataSourceStr(str string) string {
	return "'" + strEsc.ReplaceAllString(str, `\$1`) + "'"
}

// createDataSourceName builds a libpq connection string from the
// configured fields.
func (p *Postgres) createDataSourceName() string {
	var parameters []string
	addParam := func(key, val string) {
		parameters = append(parameters, fmt.Sprintf("%s=%s", key, val))
	}

	addParam("connect_timeout", strconv.Itoa(p.ConnectionTimeout))

	host, port, err := net.SplitHostPort(p.Host)
	if err != nil {
		host = p.Host
		if p.Port != 0 {
			port = strconv.Itoa(int(p.Port))
		}
	}
	if host != "" {
		addParam("host", dataSourceStr(host))
	}
	if port != "" {
		addParam("port", port)
	}
	if p.User != "" {
		addParam("user", dataSourceStr(p.User))
	}
	if p.Password != "" {
		addParam("password", dataSourceStr(p.Password))
	}
	if p.Database != "" {
		addParam("dbname", dataSourceStr(p.Database))
	}
	if p.SSL.Mode == "" {
		addParam("sslmode", dataSourceStr(pgSSLVerifyFull))
	} else {
		addParam("sslmode", dataSourceStr(p.SSL.Mode))
	}
	if p.SSL.CAFile != "" {
		addParam("sslrootcert", dataSourceStr(p.SSL.CAFile))
	}
	if p.SSL.CertFile != "" {
		addParam("sslcert", dataSourceStr(p.SSL.CertFile))
	}
	if p.SSL.KeyFile != "" {
		addParam("sslkey", dataSourceStr(p.SSL.KeyFile))
	}
	return strings.Join(parameters, " ")
}

func extractOperationName(query string) string {
	upperQuery := strings.ToUpper(query)
	re := regexp.MustCompile(`^\s*(SELECT|INSERT|UPDATE|DELETE|REPLACE|UPSERT|MERGE|CALL|EXPLAIN|CREATE|ALTER|DROP|TRUNCATE|RENAME|SET|USE|GRANT|REVOKE)\b`)
	idx := re.FindStringSubmatchIndex(upperQuery)
	if len(idx) >= 4 {
		return upperQuery[idx[2]:idx[3]]
	}
	return ""
}

func extractTableName(query string) string {
	upperQuery := strings.ToUpper(query)
	re := regexp.MustCompile(`\b(FROM|INTO|UPDATE|DELETE\s+FROM)\s+(["]?[\w.]+\b["]?)\b`)
	idx := re.FindStringSubmatchIndex(upperQuery)
	if len(idx) >= 6 {
		return strings.Trim(query[idx[4]:idx[5]], "\"`")
	}
	return ""
}

func otelAttributesGetter(ctx context.Context, method otelsql.Method, query string, args []driver.NamedValue) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if op := extractOperationName(query); op != "" {
		attrs = append(attrs, semconv.DBOperationName(op))
	}
	if table := extractTableName(query); table != "" {
		attrs = append(attrs, semconv.DBCollectionName(table))
	}
	return attrs
}

func (p *Postgres) open(ctx context.Context, logger *slog.Logger) (*conn, error) {
	dataSourceName := p.createDataSourceName()
	attrs := []otelsql.Option{
		otelsql.WithAttributes(
			semconv.DBSystemNamePostgreSQL,
			semconv.DBNamespace(p.Database),
			semconv.NetworkPeerPort(int(p.Port)),
		),
		otelsql.WithAttributesGetter(otelAttributesGetter),
	}

	db, err := otelsql.Open("postgres", dataSourceName, attrs...)
	if err != nil {
		return nil, err
	}
	if err := otelsql.RegisterDBStatsMetrics(db, attrs...); err != nil {
		return nil, err
	}

	if p.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(time.Duration(p.ConnMaxLifetime) * time.Second)
	}
	if p.MaxIdleConns == 0 {
		db.SetMaxIdleConns(5)
	} else {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.MaxOpenConns == 0 {
		db.SetMaxOpenConns(5)
	} else {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}

	errCheck := func(err error) bool {
		sqlErr, ok := err.(*pq.Error)
		return ok && sqlErr.Code == pgErrUniqueViolation
	}

	c := &conn{db, flavorPostgres, logger, errCheck}
	if _, err := c.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}
