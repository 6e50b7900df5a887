// Package applyflow orchestrates the apply RPC: turning a
// caller-supplied bundle of type, policy, and module definitions into a
// live trunk.Version in two phases. It first computes every change
// against the prior version without touching the database, then
// persists metadata and runs schema migration as two transactions, the
// data transaction committed before the meta transaction.
package applyflow

import (
	"fmt"
	"strconv"
	"strings"

	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// FieldDef is one field of a TypeDef on the apply wire.
type FieldDef struct {
	Name        string   `json:"name"`
	TypeEnum    string   `json:"type_enum"` // string|number|boolean|jsDate|arrayBuffer|entity(name)|entityId(name)|array(inner)
	IsOptional  bool     `json:"is_optional"`
	IsUnique    bool     `json:"is_unique"`
	DefaultJSON string   `json:"default_value"` // JSON-encoded default, empty means "no default"
	Labels      []string `json:"labels"`
}

// TypeDef is one entity declaration of the apply input.
type TypeDef struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"field_defs"`
	// Indexes names a field-set index candidate per entry.
	Indexes [][]string `json:"indexes"`
}

// PolicyInput is one policy document of the apply input: path's
// extension and stem select which kind of policy it is.
type PolicyInput struct {
	Path         string `json:"path"`
	PolicyConfig string `json:"policy_config"`
}

// ModuleSource is one module body uploaded with an apply. Since the op
// table here is plain Go methods rather than embedded JS execution, a
// ModuleSource's Source is never run: it is persisted verbatim via
// metastore.SaveModules/LoadModules so an apply round-trips a version's
// custom per-entity module bodies for tooling and a future execution
// backend.
type ModuleSource struct {
	EntityName string `json:"entity_name"`
	Source     string `json:"source"`
}

// Input is the apply RPC's request.
type Input struct {
	VersionID         string
	Types             []TypeDef
	Policies          []PolicyInput
	Modules           []ModuleSource
	AllowTypeDeletion bool
}

// Output is the apply RPC's response: the user's declared type
// order, the label names now active, and the CRUD endpoint paths the new
// version serves.
type Output struct {
	TypeNamesInUserOrder []string
	Labels               []string
	Endpoints            []string
}

// parseFieldType decodes a TypeEnum string into a typesys.FieldType
// (string|number|boolean|jsDate|arrayBuffer|entity(name)|
// entityId(name)|array(inner)). The primitive names match metastore's
// encodeType; references are written inline as entity(name) or
// entityId(name) instead of in metastore's separate entity_ref column,
// and both denote a typesys.EntityRef. metastore's bare "entityId" (a
// UUID primitive) is not accepted here.
func parseFieldType(enum string) (typesys.FieldType, error) {
	if strings.HasPrefix(enum, "array(") && strings.HasSuffix(enum, ")") {
		inner, err := parseFieldType(strings.TrimSuffix(strings.TrimPrefix(enum, "array("), ")"))
		if err != nil {
			return typesys.FieldType{}, err
		}
		return typesys.ArrayOf(inner), nil
	}
	if strings.HasPrefix(enum, "entity(") && strings.HasSuffix(enum, ")") {
		name := strings.TrimSuffix(strings.TrimPrefix(enum, "entity("), ")")
		return typesys.EntityRef(name), nil
	}
	if strings.HasPrefix(enum, "entityId(") && strings.HasSuffix(enum, ")") {
		name := strings.TrimSuffix(strings.TrimPrefix(enum, "entityId("), ")")
		return typesys.EntityRef(name), nil
	}
	switch enum {
	case "string":
		return typesys.Primitive(typesys.PrimString), nil
	case "number":
		return typesys.Primitive(typesys.PrimNumber), nil
	case "boolean":
		return typesys.Primitive(typesys.PrimBoolean), nil
	case "jsDate":
		return typesys.Primitive(typesys.PrimJSDate), nil
	case "arrayBuffer":
		return typesys.Primitive(typesys.PrimArrayBuffer), nil
	default:
		return typesys.FieldType{}, fmt.Errorf("applyflow: unknown type_enum %q", enum)
	}
}

// toField converts one FieldDef to a typesys.Field, decoding its default
// value (if any) from JSON and wrapping the declared type in OptionalOf
// when IsOptional is set.
func toField(d FieldDef) (typesys.Field, error) {
	ft, err := parseFieldType(d.TypeEnum)
	if err != nil {
		return typesys.Field{}, fmt.Errorf("applyflow: field %s: %w", d.Name, err)
	}
	if d.IsOptional {
		ft = typesys.OptionalOf(ft)
	}
	var def *value.Value
	if d.DefaultJSON != "" {
		v, err := value.FromJSON([]byte(d.DefaultJSON))
		if err != nil {
			return typesys.Field{}, fmt.Errorf("applyflow: field %s: decoding default: %w", d.Name, err)
		}
		def = &v
	}
	return typesys.Field{Name: d.Name, Type: ft, Default: def, Unique: d.IsUnique, Labels: d.Labels}, nil
}

// toEntity converts a TypeDef into a typesys.Entity. Every apply-supplied
// type is user-owned with a UUID id; builtins (AuthUser) are
// never named in the apply input; they are registered ahead of time by
// the caller before the returned TypeSystem resolves EntityRef fields
// against them.
func toEntity(t TypeDef) (*typesys.Entity, error) {
	fields := make([]typesys.Field, 0, len(t.Fields))
	for _, fd := range t.Fields {
		f, err := toField(fd)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	indexes := make([]typesys.Index, 0, len(t.Indexes))
	for _, fieldNames := range t.Indexes {
		indexes = append(indexes, typesys.Index{Fields: fieldNames})
	}
	return typesys.NewEntity(t.Name, typesys.OwnerUser, typesys.IDTypeUUID, fields, indexes), nil
}

// policyKind classifies a PolicyInput by its path: .ts goes to the
// code-policy checker, everything else is YAML. labels.yaml is the
// default YAML kind; routes.yaml/endpoints.yaml and secrets.yaml are
// recognized by stem so path- and header-authorization rules have a way
// to reach a running version.
type policyKind int

const (
	policyKindCode policyKind = iota
	policyKindLabel
	policyKindPathAuth
	policyKindSecretAuth
)

func classifyPolicyPath(path string) (kind policyKind, entityName string) {
	if strings.HasSuffix(path, ".ts") {
		base := path
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		return policyKindCode, strings.TrimSuffix(base, ".ts")
	}
	stem := path
	if idx := strings.LastIndexByte(stem, '/'); idx >= 0 {
		stem = stem[idx+1:]
	}
	stem = strings.TrimSuffix(stem, ".yaml")
	switch stem {
	case "routes", "endpoints":
		return policyKindPathAuth, ""
	case "secrets":
		return policyKindSecretAuth, ""
	default:
		return policyKindLabel, ""
	}
}

// endpointPath derives the CRUD convenience endpoint for one user
// entity: the lowercase-first-letter path chiselctl/httpapi mount it
// under, namespaced by versionID.
func endpointPath(versionID, entityName string) string {
	if entityName == "" {
		return ""
	}
	lowered := strings.ToLower(entityName[:1]) + entityName[1:]
	return "/" + versionID + "/" + lowered
}

// itoa formats n in base 10; nothing in this package calls it.
func itoa(n int64) string { return strconv.FormatInt(n, 10) }
