package typesys

// Builtins returns the entities every TypeSystem is seeded with before
// an apply's user-declared types are registered on top: the AuthUser
// builtin with a handful of optional profile fields. Sibling
// AuthSession/AuthToken/AuthAccount builtins would back an OAuth
// provider flow, which is out of this codebase's scope (session
// bookkeeping here is the separate legacy JWT table internal/auth owns).
func Builtins() []*Entity {
	return []*Entity{
		NewEntity("AuthUser", OwnerBuiltin, IDTypeUUID, []Field{
			{Name: "emailVerified", Type: OptionalOf(Primitive(PrimString))},
			{Name: "name", Type: OptionalOf(Primitive(PrimString))},
			{Name: "email", Type: OptionalOf(Primitive(PrimString))},
			{Name: "image", Type: OptionalOf(Primitive(PrimString))},
		}, nil),
	}
}
