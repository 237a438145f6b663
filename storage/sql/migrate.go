package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dingus-idp/dingus/storage"
)

// migrate applies every migration the running binary knows about that
// the database hasn't recorded yet. The count of applied migrations is
// also the schema's minor version: a database whose recorded version
// exceeds len(migrations) was written by a newer binary and this one
// refuses to touch it.
func (c *conn) migrate(ctx context.Context) (int, error) {
	_, err := c.ExecContext(ctx, `
		create table if not exists schema_version (
			version integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating schema_version table: %w", err)
	}

	i := 0
	done := false
	for {
		err := c.ExecTx(ctx, func(tx *trans) error {
			var (
				version sql.NullInt64
				n       int
			)
			if err := tx.QueryRowContext(ctx, `select max(version) from schema_version;`).Scan(&version); err != nil {
				return fmt.Errorf("select max schema_version: %w", err)
			}
			if version.Valid {
				n = int(version.Int64)
			}
			if n > len(migrations) {
				return storage.ErrMigrationNeeded
			}
			if n == len(migrations) {
				done = true
				return nil
			}

			next := n + 1
			m := migrations[n]
			if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", next, err)
			}
			if _, err := tx.ExecContext(ctx, `insert into schema_version (version, at) values ($1, now());`, next); err != nil {
				return fmt.Errorf("update schema_version table: %w", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}

	return i, nil
}

type migration struct {
	stmt string
}

// migrations are shared across flavors; the flavor.translate pass
// rewrites placeholder syntax and column types per backend.
var migrations = []migration{
	{
		stmt: `
			create table authentication (
				identifier text not null primary key,
				credential text not null,
				otp_key text not null,
				created timestamptz not null,
				last_authentication timestamptz not null
			);

			create table profile (
				profile text not null primary key,
				identifier text not null
			);

			create table profile_scope (
				profile text not null,
				scope text not null,
				primary key (profile, scope)
			);

			create table scope (
				scope text not null primary key,
				application text not null,
				description text not null,
				is_permanent boolean not null,
				is_manually_added boolean not null
			);

			create table code (
				code_id text not null primary key,
				created timestamptz not null,
				is_token boolean not null,
				client_id text not null,
				profile text not null,
				identifier text not null,
				scopes bytea not null,
				expires timestamptz,
				refresh_expires timestamptz,
				refreshed timestamptz,
				refresh_duration_seconds bigint,
				is_revoked boolean not null,
				profile_data bytea,
				resource text not null
			);

			create table resource (
				resource_id text not null primary key,
				secret text not null,
				description text not null,
				created timestamptz not null
			);

			create table redeemed_ticket (
				ticket text not null primary key,
				resource text not null,
				subject text not null,
				issuer text not null,
				token text not null,
				created timestamptz not null,
				published timestamptz
			);

			create table almanac (
				event text not null primary key,
				at timestamptz not null
			);
		`,
	},
}
