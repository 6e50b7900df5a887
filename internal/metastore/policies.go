package metastore

import (
	"context"
	"fmt"
	"strings"

	"chiselcore.dev/chiselcore/internal/sqlrender"
)

// PolicySource is one policy document of an apply, stored verbatim: Kind is
// "code" for a path ending ".ts" and a YAML policy kind otherwise. For a
// code policy, EntityName is the file stem, the name internal/policy
// passes to Engine.SetCodePolicy. EntityName is not a stored column:
// SavePolicies does not write it and LoadPolicies derives it from Path.
type PolicySource struct {
	ID         string
	Path       string
	Kind       string
	Config     string
	EntityName string
}

// SavePolicies replaces versionID's stored policy sources with sources.
func SavePolicies(ctx context.Context, rawExec Execer, dialect sqlrender.Dialect, versionID string, sources []PolicySource) error {
	exec := rebindExec{inner: rawExec, dialect: dialect}
	if err := exec.Exec(ctx, `DELETE FROM policies WHERE version_id = ?`, versionID); err != nil {
		return fmt.Errorf("metastore: clearing policies: %w", err)
	}
	for _, s := range sources {
		id := versionID + ":" + s.Path
		if err := exec.Exec(ctx,
			`INSERT INTO policies (id, version_id, path, kind, config) VALUES (?, ?, ?, ?, ?)`,
			id, versionID, s.Path, s.Kind, s.Config); err != nil {
			return fmt.Errorf("metastore: saving policy %s: %w", s.Path, err)
		}
	}
	return nil
}

// LoadPolicies returns every policy source stored for versionID.
func LoadPolicies(ctx context.Context, rawQuery Querier, dialect sqlrender.Dialect, versionID string) ([]PolicySource, error) {
	query := rebindQuery{inner: rawQuery, dialect: dialect}
	rows, err := query.Query(ctx, `SELECT id, path, kind, config FROM policies WHERE version_id = ?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("metastore: loading policies: %w", err)
	}
	defer rows.Close()
	var out []PolicySource
	for rows.Next() {
		var s PolicySource
		if err := rows.Scan(&s.ID, &s.Path, &s.Kind, &s.Config); err != nil {
			return nil, err
		}
		if s.Kind == "code" {
			stem := s.Path
			if idx := strings.LastIndexByte(stem, '/'); idx >= 0 {
				stem = stem[idx+1:]
			}
			s.EntityName = strings.TrimSuffix(stem, ".ts")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveModules replaces versionID's stored module sources (the apply's
// ModuleSource bodies) keyed by entity name. Code-policy bodies are not
// stored here; SavePolicies keeps them in the policies table.
func SaveModules(ctx context.Context, rawExec Execer, dialect sqlrender.Dialect, versionID string, modules map[string]string) error {
	exec := rebindExec{inner: rawExec, dialect: dialect}
	if err := exec.Exec(ctx, `DELETE FROM modules WHERE version_id = ?`, versionID); err != nil {
		return fmt.Errorf("metastore: clearing modules: %w", err)
	}
	for entityName, source := range modules {
		id := versionID + ":" + entityName
		if err := exec.Exec(ctx,
			`INSERT INTO modules (id, version_id, entity_name, source) VALUES (?, ?, ?, ?)`,
			id, versionID, entityName, source); err != nil {
			return fmt.Errorf("metastore: saving module %s: %w", entityName, err)
		}
	}
	return nil
}

// LoadModules returns versionID's stored module sources keyed by entity
// name.
func LoadModules(ctx context.Context, rawQuery Querier, dialect sqlrender.Dialect, versionID string) (map[string]string, error) {
	query := rebindQuery{inner: rawQuery, dialect: dialect}
	rows, err := query.Query(ctx, `SELECT entity_name, source FROM modules WHERE version_id = ?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("metastore: loading modules: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, source string
		if err := rows.Scan(&name, &source); err != nil {
			return nil, err
		}
		out[name] = source
	}
	return out, rows.Err()
}

// APIInfo is the apply RPC's output: the user's declared type
// order plus the labels and endpoints an apply produced, cached so a
// repeat GET / index listing or tooling query doesn't need to replay the
// apply.
type APIInfo struct {
	TypeNamesJSON string
	LabelsJSON    string
	EndpointsJSON string
}

func SaveAPIInfo(ctx context.Context, rawExec Execer, dialect sqlrender.Dialect, versionID string, info APIInfo) error {
	exec := rebindExec{inner: rawExec, dialect: dialect}
	return exec.Exec(ctx,
		`INSERT INTO api_info (version_id, type_names_json, labels_json, endpoints_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT (version_id) DO UPDATE SET type_names_json = excluded.type_names_json,
		   labels_json = excluded.labels_json, endpoints_json = excluded.endpoints_json`,
		versionID, info.TypeNamesJSON, info.LabelsJSON, info.EndpointsJSON)
}

func LoadAPIInfo(ctx context.Context, rawQuery Querier, dialect sqlrender.Dialect, versionID string) (*APIInfo, error) {
	query := rebindQuery{inner: rawQuery, dialect: dialect}
	rows, err := query.Query(ctx, `SELECT type_names_json, labels_json, endpoints_json FROM api_info WHERE version_id = ?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("metastore: loading api_info: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var info APIInfo
	if err := rows.Scan(&info.TypeNamesJSON, &info.LabelsJSON, &info.EndpointsJSON); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListVersions returns every version-id with a stored api_info row, i.e.
// every version a prior apply has successfully completed for. Used on
// process start to rebuild the Trunk from what the metastore already
// knows, without replaying each version's apply.
func ListVersions(ctx context.Context, rawQuery Querier) ([]string, error) {
	rows, err := rawQuery.Query(ctx, `SELECT version_id FROM api_info ORDER BY version_id`)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing versions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Session is one legacy JWT session record, backing the reserved
// sessions table.
type Session struct {
	TokenID   string
	UserID    string
	ExpiresAt float64
	CreatedAt float64
}

func SaveSession(ctx context.Context, rawExec Execer, dialect sqlrender.Dialect, s Session) error {
	exec := rebindExec{inner: rawExec, dialect: dialect}
	return exec.Exec(ctx,
		`INSERT INTO sessions (token_id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (token_id) DO UPDATE SET user_id = excluded.user_id,
		   expires_at = excluded.expires_at, created_at = excluded.created_at`,
		s.TokenID, s.UserID, s.ExpiresAt, s.CreatedAt)
}

func LoadSession(ctx context.Context, rawQuery Querier, dialect sqlrender.Dialect, tokenID string) (*Session, error) {
	query := rebindQuery{inner: rawQuery, dialect: dialect}
	rows, err := query.Query(ctx, `SELECT token_id, user_id, expires_at, created_at FROM sessions WHERE token_id = ?`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("metastore: loading session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var s Session
	if err := rows.Scan(&s.TokenID, &s.UserID, &s.ExpiresAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func DeleteSession(ctx context.Context, rawExec Execer, dialect sqlrender.Dialect, tokenID string) error {
	exec := rebindExec{inner: rawExec, dialect: dialect}
	return exec.Exec(ctx, `DELETE FROM sessions WHERE token_id = ?`, tokenID)
}
