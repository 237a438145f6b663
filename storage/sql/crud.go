package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dingus-idp/dingus/storage"
)

// encoder wraps the underlying value in a JSON marshaler which is
// automatically called by the database/sql package.
//
//	err := db.Exec(`insert into t1 (id, things) values (1, $1)`, encoder(s))
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can
// then be passed to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct{ i interface{} }

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

type jsonDecoder struct{ i interface{} }

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &j.i); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

var _ storage.Storage = (*conn)(nil)

func (c *conn) Initialize(ctx context.Context) error {
	_, err := c.migrate(ctx)
	return err
}

func (c *conn) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// -- Authentication --------------------------------------------------

func (c *conn) AuthenticationGet(ctx context.Context, id string) (storage.Authentication, error) {
	a := storage.Authentication{Identifier: id}
	err := c.QueryRowContext(ctx, `
		select credential, otp_key, created, last_authentication
		from authentication where identifier = $1;
	`, id).Scan(&a.Credential, &a.OTPKey, &a.Created, &a.LastAuthentication)
	if err == sql.ErrNoRows {
		return storage.Authentication{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Authentication{}, err
	}
	return a, nil
}

func (c *conn) AuthenticationUpsert(ctx context.Context, id, credential, otpKey string) error {
	return c.ExecTx(ctx, func(tx *trans) error {
		r, err := tx.ExecContext(ctx, `
			update authentication set credential = $1, otp_key = $2 where identifier = $3;
		`, credential, otpKey, id)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			insert into authentication (identifier, credential, otp_key, created, last_authentication)
			values ($1, $2, $3, now(), now());
		`, id, credential, otpKey)
		return err
	})
}

func (c *conn) AuthenticationUpdateCredential(ctx context.Context, id, credential string) error {
	r, err := c.ExecContext(ctx, `update authentication set credential = $1 where identifier = $2;`, credential, id)
	return expectOneRow(r, err)
}

func (c *conn) AuthenticationUpdateOTPKey(ctx context.Context, id, otpKey string) error {
	r, err := c.ExecContext(ctx, `update authentication set otp_key = $1 where identifier = $2;`, otpKey, id)
	return expectOneRow(r, err)
}

func (c *conn) AuthenticationSuccess(ctx context.Context, id string) error {
	r, err := c.ExecContext(ctx, `update authentication set last_authentication = now() where identifier = $1;`, id)
	return expectOneRow(r, err)
}

func expectOneRow(r sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrUnexpectedResult
	}
	return nil
}

// -- Profile / scope registry -----------------------------------------

func (c *conn) ProfileIsValid(ctx context.Context, profile string) (bool, error) {
	var exists bool
	err := c.QueryRowContext(ctx, `select exists(select 1 from profile where profile = $1);`, profile).Scan(&exists)
	return exists, err
}

func (c *conn) ProfileIdentifierInsert(ctx context.Context, profile, identifier string) error {
	_, err := c.ExecContext(ctx, `insert into profile (profile, identifier) values ($1, $2);`, profile, identifier)
	if c.alreadyExistsCheck(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) ProfileIdentifier(ctx context.Context, profile string) (string, error) {
	var id string
	err := c.QueryRowContext(ctx, `select identifier from profile where profile = $1;`, profile).Scan(&id)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	return id, err
}

func (c *conn) ProfileScopeInsert(ctx context.Context, profile, scope string) error {
	_, err := c.ExecContext(ctx, `insert into profile_scope (profile, scope) values ($1, $2);`, profile, scope)
	if c.alreadyExistsCheck(err) {
		return nil
	}
	return err
}

func (c *conn) ProfileScopesSetAll(ctx context.Context, profile string, scopes []string) error {
	return c.ExecTx(ctx, func(tx *trans) error {
		if _, err := tx.ExecContext(ctx, `delete from profile_scope where profile = $1;`, profile); err != nil {
			return err
		}
		for _, s := range scopes {
			if _, err := tx.ExecContext(ctx, `insert into profile_scope (profile, scope) values ($1, $2);`, profile, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *conn) ProfilesScopesByIdentifier(ctx context.Context, identifier string) (storage.ProfileScopes, error) {
	out := storage.ProfileScopes{
		ProfileScopes: map[string]map[string]storage.Scope{},
		ScopeIndex:    map[string]storage.ScopeDetail{},
	}

	rows, err := c.QueryContext(ctx, `select profile from profile where identifier = $1;`, identifier)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return out, err
		}
		out.Profiles = append(out.Profiles, p)
		out.ProfileScopes[p] = map[string]storage.Scope{}
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	for _, profile := range out.Profiles {
		srows, err := c.QueryContext(ctx, `
			select s.scope, s.application, s.description, s.is_permanent, s.is_manually_added
			from profile_scope ps join scope s on s.scope = ps.scope
			where ps.profile = $1;
		`, profile)
		if err != nil {
			return out, err
		}
		for srows.Next() {
			var sc storage.Scope
			if err := srows.Scan(&sc.Scope, &sc.Application, &sc.Description, &sc.IsPermanent, &sc.IsManuallyAdded); err != nil {
				srows.Close()
				return out, err
			}
			out.ProfileScopes[profile][sc.Scope] = sc
			detail := out.ScopeIndex[sc.Scope]
			detail.Scope = sc
			detail.Profiles = append(detail.Profiles, profile)
			out.ScopeIndex[sc.Scope] = detail
		}
		if err := srows.Err(); err != nil {
			srows.Close()
			return out, err
		}
		srows.Close()
	}

	return out, nil
}

func (c *conn) ScopeUpsert(ctx context.Context, scope, application, description string, manuallyAdded bool) error {
	return c.ExecTx(ctx, func(tx *trans) error {
		r, err := tx.ExecContext(ctx, `
			update scope set application = $2, description = $3, is_manually_added = $4
			where scope = $1;
		`, scope, application, description, manuallyAdded)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			insert into scope (scope, application, description, is_permanent, is_manually_added)
			values ($1, $2, $3, false, $4);
		`, scope, application, description, manuallyAdded)
		return err
	})
}

func (c *conn) ScopeDelete(ctx context.Context, scope string) (bool, error) {
	var referenced bool
	err := c.QueryRowContext(ctx, `select exists(select 1 from profile_scope where scope = $1);`, scope).Scan(&referenced)
	if err != nil {
		return false, err
	}
	if referenced {
		return false, nil
	}
	r, err := c.ExecContext(ctx, `delete from scope where scope = $1 and is_permanent = false;`, scope)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	return n > 0, err
}

// ScopeCleanup removes scopes that are neither permanent, manually
// added, offered as a ProfileScope default, nor referenced by a live
// (non-revoked) Code row. The Code-reference check happens in Go rather
// than as a JSON-array SQL predicate, since the scopes column's JSON
// encoding is shared verbatim across the Postgres and SQLite flavors.
func (c *conn) ScopeCleanup(ctx context.Context, atLeastMsSinceLast int64) (int, bool, error) {
	skip, err := c.tooSoon(ctx, "cleanScopes", atLeastMsSinceLast)
	if err != nil || skip {
		return 0, skip, err
	}

	var n int64
	err = c.ExecTx(ctx, func(tx *trans) error {
		referenced, err := c.scopesReferencedByLiveCodes(ctx, tx)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			select scope from scope
			where is_permanent = false and is_manually_added = false
			  and scope not in (select scope from profile_scope);
		`)
		if err != nil {
			return err
		}
		var candidates []string
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, s := range candidates {
			if _, live := referenced[s]; live {
				continue
			}
			r, err := tx.ExecContext(ctx, `delete from scope where scope = $1;`, s)
			if err != nil {
				return err
			}
			if affected, _ := r.RowsAffected(); affected > 0 {
				n++
			}
		}

		_, err = tx.ExecContext(ctx, `
			insert into almanac (event, at) values ('cleanScopes', now())
			on conflict (event) do update set at = now();
		`)
		return err
	})
	return int(n), false, err
}

func (c *conn) scopesReferencedByLiveCodes(ctx context.Context, tx *trans) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `select scopes from code where is_revoked = false;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	referenced := map[string]struct{}{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var scopes []string
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &scopes); err != nil {
				return nil, err
			}
		}
		for _, s := range scopes {
			referenced[s] = struct{}{}
		}
	}
	return referenced, rows.Err()
}

func (c *conn) tooSoon(ctx context.Context, event string, atLeastMsSinceLast int64) (bool, error) {
	if atLeastMsSinceLast <= 0 {
		return false, nil
	}
	var at time.Time
	err := c.QueryRowContext(ctx, `select at from almanac where event = $1;`, event).Scan(&at)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(at).Milliseconds() < atLeastMsSinceLast, nil
}

// -- Unified code/token table ------------------------------------------

func (c *conn) RedeemCode(ctx context.Context, p storage.RedeemCodeParams) (bool, error) {
	accepted := false
	err := c.ExecTx(ctx, func(tx *trans) error {
		var existingRevoked sql.NullBool
		err := tx.QueryRowContext(ctx, `select is_revoked from code where code_id = $1;`, p.CodeID).Scan(&existingRevoked)
		switch {
		case err == sql.ErrNoRows:
			var expires, refreshExpires *time.Time
			var refreshSeconds *int64
			if p.LifespanSeconds != nil {
				e := p.Created.Add(time.Duration(*p.LifespanSeconds) * time.Second)
				expires = &e
			}
			if p.RefreshLifespanSeconds != nil {
				refreshSeconds = p.RefreshLifespanSeconds
				e := p.Created.Add(time.Duration(*p.RefreshLifespanSeconds) * time.Second)
				refreshExpires = &e
			}
			_, err := tx.ExecContext(ctx, `
				insert into code (
					code_id, created, is_token, client_id, profile, identifier, scopes,
					expires, refresh_expires, refresh_duration_seconds, is_revoked,
					profile_data, resource
				) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false,$11,$12);
			`, p.CodeID, p.Created, p.IsToken, p.ClientID, p.Profile, p.Identifier, encoder(p.Scopes),
				expires, refreshExpires, refreshSeconds, encoder(p.ProfileData), p.Resource)
			if err != nil {
				return err
			}
			accepted = true
			return nil
		case err != nil:
			return err
		default:
			// A row already exists for this codeId: whether or not it was
			// already revoked, this attempt is refused and the row is
			// (re-)marked revoked so a racing redemption can never win twice.
			_, err := tx.ExecContext(ctx, `update code set is_revoked = true where code_id = $1;`, p.CodeID)
			accepted = false
			return err
		}
	})
	return accepted, err
}

func (c *conn) RefreshCode(ctx context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*storage.RefreshedCode, error) {
	var out *storage.RefreshedCode
	err := c.ExecTx(ctx, func(tx *trans) error {
		var (
			scopesRaw               []byte
			refreshDurationSeconds  sql.NullInt64
			refreshExpires          sql.NullTime
			isRevoked               bool
		)
		err := tx.QueryRowContext(ctx, `
			select scopes, refresh_duration_seconds, refresh_expires, is_revoked
			from code where code_id = $1 for update;
		`, codeID).Scan(&scopesRaw, &refreshDurationSeconds, &refreshExpires, &isRevoked)
		if err == sql.ErrNoRows || isRevoked || !refreshDurationSeconds.Valid {
			return nil
		}
		if err != nil {
			return err
		}

		var scopes []string
		if len(scopesRaw) > 0 {
			if err := json.Unmarshal(scopesRaw, &scopes); err != nil {
				return err
			}
		}
		scopes = subtractScopes(scopes, removeScopes)

		newExpires := refreshedAt.Add(time.Duration(refreshDurationSeconds.Int64) * time.Second)
		newRefreshExpires := newExpires
		if refreshExpires.Valid {
			newRefreshExpires = refreshedAt.Add(time.Duration(refreshDurationSeconds.Int64) * time.Second)
		}

		_, err = tx.ExecContext(ctx, `
			update code set expires = $1, refresh_expires = $2, refreshed = $3, scopes = $4
			where code_id = $5;
		`, newExpires, newRefreshExpires, refreshedAt, encoder(scopes), codeID)
		if err != nil {
			return err
		}

		out = &storage.RefreshedCode{Expires: &newExpires, RefreshExpires: &newRefreshExpires, Scopes: scopes}
		return nil
	})
	return out, err
}

func subtractScopes(scopes, remove []string) []string {
	removeSet := make(map[string]struct{}, len(remove))
	for _, s := range remove {
		removeSet[s] = struct{}{}
	}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, skip := removeSet[s]; !skip {
			out = append(out, s)
		}
	}
	return out
}

func (c *conn) TokenGetByCodeID(ctx context.Context, codeID string) (storage.Code, error) {
	return c.scanCode(ctx, c.QueryRowContext(ctx, `
		select code_id, created, is_token, client_id, profile, identifier, scopes,
			expires, refresh_expires, refreshed, refresh_duration_seconds, is_revoked,
			profile_data, resource
		from code where code_id = $1;
	`, codeID))
}

func (c *conn) scanCode(ctx context.Context, row *sql.Row) (storage.Code, error) {
	var (
		code                   storage.Code
		scopesRaw              []byte
		profileDataRaw         []byte
		expires                sql.NullTime
		refreshExpires         sql.NullTime
		refreshed              sql.NullTime
		refreshDurationSeconds sql.NullInt64
	)
	err := row.Scan(&code.CodeID, &code.Created, &code.IsToken, &code.ClientID, &code.Profile, &code.Identifier,
		&scopesRaw, &expires, &refreshExpires, &refreshed, &refreshDurationSeconds, &code.IsRevoked,
		&profileDataRaw, &code.Resource)
	if err == sql.ErrNoRows {
		return storage.Code{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Code{}, err
	}
	if len(scopesRaw) > 0 {
		if err := json.Unmarshal(scopesRaw, &code.Scopes); err != nil {
			return storage.Code{}, err
		}
	}
	if len(profileDataRaw) > 0 {
		if err := json.Unmarshal(profileDataRaw, &code.ProfileData); err != nil {
			return storage.Code{}, err
		}
	}
	if expires.Valid {
		code.Expires = &expires.Time
	}
	if refreshExpires.Valid {
		code.RefreshExpires = &refreshExpires.Time
	}
	if refreshed.Valid {
		code.Refreshed = &refreshed.Time
	}
	if refreshDurationSeconds.Valid {
		d := time.Duration(refreshDurationSeconds.Int64) * time.Second
		code.RefreshDuration = &d
	}
	return code, nil
}

func (c *conn) TokenRevokeByCodeID(ctx context.Context, codeID string) error {
	r, err := c.ExecContext(ctx, `update code set is_revoked = true where code_id = $1;`, codeID)
	return expectOneRow(r, err)
}

func (c *conn) TokenRefreshRevokeByCodeID(ctx context.Context, codeID string) error {
	r, err := c.ExecContext(ctx, `update code set refresh_expires = null, refresh_duration_seconds = null where code_id = $1;`, codeID)
	return expectOneRow(r, err)
}

func (c *conn) TokensGetByIdentifier(ctx context.Context, identifier string) ([]storage.Code, error) {
	rows, err := c.QueryContext(ctx, `
		select code_id, created, is_token, client_id, profile, identifier, scopes,
			expires, refresh_expires, refreshed, refresh_duration_seconds, is_revoked,
			profile_data, resource
		from code where identifier = $1 and is_token = true;
	`, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Code
	for rows.Next() {
		var (
			code                   storage.Code
			scopesRaw              []byte
			profileDataRaw         []byte
			expires                sql.NullTime
			refreshExpires         sql.NullTime
			refreshed              sql.NullTime
			refreshDurationSeconds sql.NullInt64
		)
		if err := rows.Scan(&code.CodeID, &code.Created, &code.IsToken, &code.ClientID, &code.Profile, &code.Identifier,
			&scopesRaw, &expires, &refreshExpires, &refreshed, &refreshDurationSeconds, &code.IsRevoked,
			&profileDataRaw, &code.Resource); err != nil {
			return nil, err
		}
		if len(scopesRaw) > 0 {
			if err := json.Unmarshal(scopesRaw, &code.Scopes); err != nil {
				return nil, err
			}
		}
		if len(profileDataRaw) > 0 {
			if err := json.Unmarshal(profileDataRaw, &code.ProfileData); err != nil {
				return nil, err
			}
		}
		if expires.Valid {
			code.Expires = &expires.Time
		}
		if refreshExpires.Valid {
			code.RefreshExpires = &refreshExpires.Time
		}
		if refreshed.Valid {
			code.Refreshed = &refreshed.Time
		}
		if refreshDurationSeconds.Valid {
			d := time.Duration(refreshDurationSeconds.Int64) * time.Second
			code.RefreshDuration = &d
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func (c *conn) TokenCleanup(ctx context.Context, codeLifespanSeconds int64, atLeastMsSinceLast int64) (int, bool, error) {
	skip, err := c.tooSoon(ctx, "cleanTokens", atLeastMsSinceLast)
	if err != nil || skip {
		return 0, skip, err
	}

	codeExpiry := time.Now().Add(-time.Duration(codeLifespanSeconds) * time.Second)

	var n int64
	err = c.ExecTx(ctx, func(tx *trans) error {
		r, err := tx.ExecContext(ctx, `
			delete from code
			where (expires is not null and expires < now())
			   or (is_token = false and created < $1);
		`, codeExpiry)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into almanac (event, at) values ('cleanTokens', now())
			on conflict (event) do update set at = now();
		`)
		return err
	})
	return int(n), false, err
}

// -- Tickets -------------------------------------------------------------

func (c *conn) TicketRedeemed(ctx context.Context, t storage.RedeemedTicket) error {
	_, err := c.ExecContext(ctx, `
		insert into redeemed_ticket (ticket, resource, subject, issuer, token, created, published)
		values ($1,$2,$3,$4,$5,$6,$7);
	`, t.Ticket, t.Resource, t.Subject, t.Issuer, t.Token, t.Created, t.Published)
	if c.alreadyExistsCheck(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) TicketTokenPublished(ctx context.Context, ticket string) error {
	r, err := c.ExecContext(ctx, `update redeemed_ticket set published = now() where ticket = $1;`, ticket)
	return expectOneRow(r, err)
}

func (c *conn) TicketTokenGetUnpublished(ctx context.Context, limit int) ([]storage.RedeemedTicket, error) {
	rows, err := c.QueryContext(ctx, `
		select ticket, resource, subject, issuer, token, created, published
		from redeemed_ticket where published is null order by created limit $1;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.RedeemedTicket
	for rows.Next() {
		var t storage.RedeemedTicket
		var published sql.NullTime
		if err := rows.Scan(&t.Ticket, &t.Resource, &t.Subject, &t.Issuer, &t.Token, &t.Created, &published); err != nil {
			return nil, err
		}
		if published.Valid {
			t.Published = &published.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -- Resources -------------------------------------------------------------

func (c *conn) ResourceGet(ctx context.Context, resourceID string) (storage.Resource, error) {
	var r storage.Resource
	r.ResourceID = resourceID
	err := c.QueryRowContext(ctx, `
		select secret, description, created from resource where resource_id = $1;
	`, resourceID).Scan(&r.Secret, &r.Description, &r.Created)
	if err == sql.ErrNoRows {
		return storage.Resource{}, storage.ErrNotFound
	}
	return r, err
}

// -- Almanac -------------------------------------------------------------

func (c *conn) AlmanacGetAll(ctx context.Context) (map[string]time.Time, error) {
	rows, err := c.QueryContext(ctx, `select event, at from almanac;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var event string
		var at time.Time
		if err := rows.Scan(&event, &at); err != nil {
			return nil, err
		}
		out[event] = at
	}
	return out, rows.Err()
}

func (c *conn) AlmanacUpsert(ctx context.Context, event string, at time.Time) error {
	return c.ExecTx(ctx, func(tx *trans) error {
		r, err := tx.ExecContext(ctx, `update almanac set at = $1 where event = $2;`, at, event)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `insert into almanac (event, at) values ($1, $2);`, event, at)
		return err
	})
}
