package project

import "context"

// ComputeRow is one row of the controller's compute registry: enough to
// re-establish every Compute Proxy on restart without the operator
// re-registering each compute by hand. EncryptedPassword is produced by
// internal/secrets.Store.Encrypt; the plaintext password never touches
// disk.
type ComputeRow struct {
	ID                string
	Host              string
	Port              int
	Protocol          string
	User              string
	EncryptedPassword []byte
	TunnelHost        string
}

func (s *Store) migrateComputes() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS computes (
			id                 TEXT PRIMARY KEY,
			host               TEXT NOT NULL,
			port               INTEGER NOT NULL,
			protocol           TEXT NOT NULL DEFAULT 'http',
			user               TEXT NOT NULL DEFAULT '',
			encrypted_password BLOB,
			tunnel_host        TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// UpsertCompute inserts or replaces a compute's registry row.
func (s *Store) UpsertCompute(ctx context.Context, row ComputeRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO computes (id, host, port, protocol, user, encrypted_password, tunnel_host)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			protocol = excluded.protocol,
			user = excluded.user,
			encrypted_password = excluded.encrypted_password,
			tunnel_host = excluded.tunnel_host
	`, row.ID, row.Host, row.Port, row.Protocol, row.User, row.EncryptedPassword, row.TunnelHost)
	return err
}

// DeleteCompute removes a compute's registry row.
func (s *Store) DeleteCompute(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM computes WHERE id = ?`, id)
	return err
}

// ListComputes returns every row in the compute registry. Order is by id.
func (s *Store) ListComputes(ctx context.Context) ([]ComputeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, port, protocol, user, encrypted_password, tunnel_host
		FROM computes ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ComputeRow
	for rows.Next() {
		var r ComputeRow
		if err := rows.Scan(&r.ID, &r.Host, &r.Port, &r.Protocol, &r.User, &r.EncryptedPassword, &r.TunnelHost); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
