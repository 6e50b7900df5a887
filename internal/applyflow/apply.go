package applyflow

import (
	"context"
	"fmt"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/metastore"
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/sqlrender"
	"chiselcore.dev/chiselcore/internal/trunk"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// Deps bundles the process-wide collaborators Apply needs beyond the
// request itself: the shared connection pool every Version's workers read
// and write through, the live Trunk a successful apply swaps a new
// Version into, the table-name prefix every Layout derives from, the
// secret store header-auth rules resolve against, a factory building the
// request handler a freshly applied Version's workers run (bound to that
// Version's own TypeSystem/Policy/Modules, shared Engine and prefix), and
// the worker-pool sizing new Versions start with.
type Deps struct {
	Engine       *queryengine.Engine
	Trunk        *trunk.Trunk
	Prefix       string
	Secrets      policy.SecretStore
	NewHandler   func(ts *typesys.TypeSystem, pol *policy.Engine, modules map[string]string) trunk.Handler
	WorkerConfig trunk.Config
}

// Apply runs the apply RPC end to end in two phases: first compute
// every change against the prior version
// without touching the database, then persist metadata and run schema
// migration as two transactions, committing the data transaction before
// the meta transaction (a failure between the two commits leaves the data
// changes committed), and only then ask the Trunk to hot-swap a freshly
// started Version in.
func Apply(ctx context.Context, deps Deps, input Input) (*Output, error) {
	dialect := deps.Engine.Dialect()

	oldTS, err := loadPriorTypeSystem(ctx, deps.Engine, dialect, input.VersionID)
	if err != nil {
		return nil, err
	}

	newTS, orderedNames, err := buildTypeSystem(input)
	if err != nil {
		return nil, err
	}
	if _, err := newTS.TopologicalOrder(); err != nil {
		return nil, fmt.Errorf("applyflow: %w", err)
	}

	removedEntities, err := entitiesToRemove(oldTS, newTS, input.AllowTypeDeletion)
	if err != nil {
		return nil, err
	}

	polEngine, sources, labels, err := compilePolicies(newTS, deps.Secrets, input.Policies)
	if err != nil {
		return nil, err
	}

	modules := make(map[string]string, len(input.Modules))
	for _, m := range input.Modules {
		modules[m.EntityName] = m.Source
	}

	// The data transaction runs the migration: it must commit before the
	// meta transaction does, so a crash between the two leaves the store
	// ahead of its own type-system bookkeeping rather than behind it (a
	// table that exists but isn't yet described is recoverable by retrying
	// the apply; a described table that was never created is not).
	dataTxn, err := deps.Engine.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("applyflow: opening data transaction: %w", err)
	}
	dataCommitted := false
	defer func() {
		if !dataCommitted {
			_ = dataTxn.Rollback()
		}
	}()

	if err := metastore.CreateReservedTables(ctx, dataTxn, dialect); err != nil {
		return nil, err
	}
	if err := migrateData(ctx, deps.Engine, dataTxn, deps.Prefix, oldTS, newTS, orderedNames, removedEntities); err != nil {
		return nil, err
	}

	metaTxn, err := deps.Engine.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("applyflow: opening meta transaction: %w", err)
	}
	metaCommitted := false
	defer func() {
		if !metaCommitted {
			_ = metaTxn.Rollback()
		}
	}()

	if err := metastore.SaveTypeSystem(ctx, metaTxn, dialect, input.VersionID, newTS, orderedNames); err != nil {
		return nil, fmt.Errorf("applyflow: saving type system: %w", err)
	}
	if err := metastore.SavePolicies(ctx, metaTxn, dialect, input.VersionID, sources); err != nil {
		return nil, fmt.Errorf("applyflow: saving policies: %w", err)
	}
	if err := metastore.SaveModules(ctx, metaTxn, dialect, input.VersionID, modules); err != nil {
		return nil, fmt.Errorf("applyflow: saving modules: %w", err)
	}

	endpoints := make([]string, 0, len(orderedNames))
	for _, name := range orderedNames {
		endpoints = append(endpoints, endpointPath(input.VersionID, name))
	}
	apiInfo, err := encodeAPIInfo(orderedNames, labels, endpoints)
	if err != nil {
		return nil, err
	}
	if err := metastore.SaveAPIInfo(ctx, metaTxn, dialect, input.VersionID, apiInfo); err != nil {
		return nil, fmt.Errorf("applyflow: saving api info: %w", err)
	}

	if err := dataTxn.Commit(); err != nil {
		return nil, fmt.Errorf("applyflow: committing data transaction: %w", err)
	}
	dataCommitted = true
	if err := metaTxn.Commit(); err != nil {
		return nil, fmt.Errorf("applyflow: committing meta transaction: %w", err)
	}
	metaCommitted = true

	handler := deps.NewHandler(newTS, polEngine, modules)
	version := trunk.NewVersion(input.VersionID, newTS, polEngine, modules, handler, deps.WorkerConfig)
	deps.Trunk.Swap(version)

	return &Output{
		TypeNamesInUserOrder: orderedNames,
		Labels:               labels,
		Endpoints:            endpoints,
	}, nil
}

// loadPriorTypeSystem returns the TypeSystem previously stored for
// versionID, or nil if this is the version's first apply. It runs inside
// its own short-lived read transaction, rolled back unconditionally since
// it never writes.
func loadPriorTypeSystem(ctx context.Context, engine *queryengine.Engine, dialect sqlrender.Dialect, versionID string) (*typesys.TypeSystem, error) {
	txn, err := engine.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("applyflow: opening read transaction: %w", err)
	}
	defer func() { _ = txn.Rollback() }()

	ts, names, err := metastore.LoadTypeSystem(ctx, txn, dialect, versionID)
	if err != nil {
		return nil, fmt.Errorf("applyflow: loading prior type system: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	return ts, nil
}

// buildTypeSystem registers the builtins every TypeSystem carries, then
// every user-declared TypeDef in the caller's order, returning the
// resulting TypeSystem alongside that declaration order, which the
// apply response echoes back.
func buildTypeSystem(input Input) (*typesys.TypeSystem, []string, error) {
	ts := typesys.New()
	for _, b := range typesys.Builtins() {
		ts.Register(b)
	}

	orderedNames := make([]string, 0, len(input.Types))
	for _, t := range input.Types {
		entity, err := toEntity(t)
		if err != nil {
			return nil, nil, err
		}
		ts.Register(entity)
		orderedNames = append(orderedNames, t.Name)
	}
	return ts, orderedNames, nil
}

// entitiesToRemove returns the user entities present in oldTS but absent
// from newTS. A non-empty result is only valid when allowTypeDeletion is
// set; otherwise Apply aborts before any SQL runs.
func entitiesToRemove(oldTS, newTS *typesys.TypeSystem, allowTypeDeletion bool) ([]*typesys.Entity, error) {
	if oldTS == nil {
		return nil, nil
	}
	var removed []*typesys.Entity
	for _, e := range oldTS.Entities() {
		if e.Owner != typesys.OwnerUser {
			continue
		}
		if _, err := newTS.LookupCustom(e.Name); err == nil {
			continue
		}
		if !allowTypeDeletion {
			return nil, fmt.Errorf("applyflow: type %s would be deleted by this apply; retry with allow_type_deletion", e.Name)
		}
		removed = append(removed, e)
	}
	return removed, nil
}

// migrateData runs the schema migration for every entity the new apply
// touches, inside dataTxn: brand-new entities get CreateTable, entities
// that existed before get a Delta-checked AlterTable plus index
// add/remove, and entities named in removedEntities get DropTable. All of
// it happens against one transaction.
func migrateData(ctx context.Context, engine *queryengine.Engine, dataTxn *queryengine.Transaction, prefix string, oldTS, newTS *typesys.TypeSystem, orderedNames []string, removedEntities []*typesys.Entity) error {
	for _, name := range orderedNames {
		entity, err := newTS.Lookup(name)
		if err != nil {
			return err
		}

		var oldEntity *typesys.Entity
		if oldTS != nil {
			if e, err := oldTS.Lookup(name); err == nil {
				oldEntity = e
			}
		}

		if oldEntity == nil {
			if err := engine.CreateTable(ctx, dataTxn, entity, prefix); err != nil {
				return fmt.Errorf("applyflow: creating table for %s: %w", name, err)
			}
			if err := engine.CreateIndexes(ctx, dataTxn, entity, prefix, entity.Indexes); err != nil {
				return fmt.Errorf("applyflow: creating indexes for %s: %w", name, err)
			}
			continue
		}

		table := layout.TableName(name, entity.Owner, prefix)
		empty, err := isTableEmpty(ctx, dataTxn, table)
		if err != nil {
			return fmt.Errorf("applyflow: checking table %s is empty: %w", table, err)
		}
		delta, err := typesys.Delta(oldEntity, entity, empty)
		if err != nil {
			return err
		}
		if err := engine.AlterTable(ctx, dataTxn, entity, delta, prefix); err != nil {
			return fmt.Errorf("applyflow: altering table for %s: %w", name, err)
		}

		added, removed := diffIndexes(oldEntity.Indexes, entity.Indexes)
		if err := engine.CreateIndexes(ctx, dataTxn, entity, prefix, added); err != nil {
			return fmt.Errorf("applyflow: creating indexes for %s: %w", name, err)
		}
		if err := engine.DropIndexes(ctx, dataTxn, entity, prefix, removed); err != nil {
			return fmt.Errorf("applyflow: dropping indexes for %s: %w", name, err)
		}
	}

	for _, e := range removedEntities {
		if err := engine.DropTable(ctx, dataTxn, e, prefix); err != nil {
			return fmt.Errorf("applyflow: dropping table for %s: %w", e.Name, err)
		}
	}
	return nil
}

// isTableEmpty reports whether table currently holds zero rows, the
// tableEmpty input typesys.Delta needs to decide whether narrowing
// optionality or adding a unique constraint is safe.
func isTableEmpty(ctx context.Context, txn *queryengine.Transaction, table string) (bool, error) {
	rows, err := txn.Query(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return true, rows.Err()
	}
	var n int64
	if err := rows.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, rows.Err()
}

// diffIndexes computes the added and removed index sets between an
// entity's old and new index lists, comparing by field-name-set identity
// (typesys.Index.Key), not by declaration order or persisted ID.
func diffIndexes(old, new []typesys.Index) (added, removed []typesys.Index) {
	oldByKey := make(map[string]typesys.Index, len(old))
	for _, ix := range old {
		oldByKey[ix.Key()] = ix
	}
	newByKey := make(map[string]typesys.Index, len(new))
	for _, ix := range new {
		newByKey[ix.Key()] = ix
		if _, existed := oldByKey[ix.Key()]; !existed {
			added = append(added, ix)
		}
	}
	for _, ix := range old {
		if _, stillPresent := newByKey[ix.Key()]; !stillPresent {
			removed = append(removed, ix)
		}
	}
	return added, removed
}

// compilePolicies loads every PolicyInput into a fresh policy.Engine
// bound to ts, classifying each by classifyPolicyPath, and returns the
// metastore.PolicySource rows to persist alongside it plus the flat list
// of label names now active, reported in the apply response.
func compilePolicies(ts *typesys.TypeSystem, secrets policy.SecretStore, inputs []PolicyInput) (*policy.Engine, []metastore.PolicySource, []string, error) {
	eng := policy.New(ts, secrets)
	sources := make([]metastore.PolicySource, 0, len(inputs))
	labelSet := make(map[string]bool)
	var labels []string

	for _, in := range inputs {
		kind, entityName := classifyPolicyPath(in.Path)
		doc := []byte(in.PolicyConfig)

		switch kind {
		case policyKindCode:
			eng.SetCodePolicy(entityName, in.PolicyConfig)
			sources = append(sources, metastore.PolicySource{Path: in.Path, Kind: "code", Config: in.PolicyConfig, EntityName: entityName})
		case policyKindLabel:
			rules, err := policy.ParseLabelPolicy(doc)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("applyflow: parsing label policy %s: %w", in.Path, err)
			}
			if err := eng.LoadLabelPolicy(doc); err != nil {
				return nil, nil, nil, err
			}
			for _, r := range rules {
				if !labelSet[r.Name] {
					labelSet[r.Name] = true
					labels = append(labels, r.Name)
				}
			}
			sources = append(sources, metastore.PolicySource{Path: in.Path, Kind: "label", Config: in.PolicyConfig})
		case policyKindPathAuth:
			if err := eng.LoadPathAuthPolicy(doc); err != nil {
				return nil, nil, nil, fmt.Errorf("applyflow: parsing path-auth policy %s: %w", in.Path, err)
			}
			sources = append(sources, metastore.PolicySource{Path: in.Path, Kind: "pathauth", Config: in.PolicyConfig})
		case policyKindSecretAuth:
			if err := eng.LoadSecretAuthPolicy(doc); err != nil {
				return nil, nil, nil, fmt.Errorf("applyflow: parsing header-auth policy %s: %w", in.Path, err)
			}
			sources = append(sources, metastore.PolicySource{Path: in.Path, Kind: "secretauth", Config: in.PolicyConfig})
		}
	}

	return eng, sources, labels, nil
}

// encodeAPIInfo serializes an apply's output fields to the JSON columns
// metastore.APIInfo persists, reusing internal/value's encoder so the
// stored shape matches exactly what a repeat GET / or tooling query would
// reconstruct.
func encodeAPIInfo(typeNames, labels, endpoints []string) (metastore.APIInfo, error) {
	typeNamesJSON, err := value.ToJSON(stringArray(typeNames))
	if err != nil {
		return metastore.APIInfo{}, err
	}
	labelsJSON, err := value.ToJSON(stringArray(labels))
	if err != nil {
		return metastore.APIInfo{}, err
	}
	endpointsJSON, err := value.ToJSON(stringArray(endpoints))
	if err != nil {
		return metastore.APIInfo{}, err
	}
	return metastore.APIInfo{
		TypeNamesJSON: string(typeNamesJSON),
		LabelsJSON:    string(labelsJSON),
		EndpointsJSON: string(endpointsJSON),
	}, nil
}

func stringArray(ss []string) value.Value {
	vs := make([]value.Value, 0, len(ss))
	for _, s := range ss {
		vs = append(vs, value.String(s))
	}
	return value.Array(vs)
}
