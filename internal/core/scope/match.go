package scope

// Satisfies reports whether the granted scope permits the requested one for a
// read operation. The rules run top to bottom and stop at the first match
//
//  1. exact string equality
//  2. master grants everything
//  3. world_model.read covers any dynamic scope (world_model.write does the
//     same for write operations only, see SatisfiesOp)
//  4. both dynamic: domains must be equal, then a wildcard grant wins,
//     otherwise the keys must be equal
//  5. everything else fails
//
// Rule 4's domain check is the isolation guarantee: a grant in one domain can
// never satisfy a request in another, wildcard or not
func Satisfies(granted, requested string) bool {
	return SatisfiesOp(granted, requested, false)
}

// SatisfiesOp is the full form of Satisfies with the operation class made
// explicit. write marks the request as a mutation so that world_model.write
// applies and world_model.read does not
func SatisfiesOp(granted, requested string, write bool) bool {
	if granted == requested {
		return true
	}
	if granted == Master {
		return true
	}

	req := Parse(requested)
	if granted == WorldModelRead && !write && req.IsDynamic() {
		return true
	}
	if granted == WorldModelWrite && write && req.IsDynamic() {
		return true
	}

	grant := Parse(granted)
	if grant.IsDynamic() && req.IsDynamic() {
		if grant.Domain != req.Domain {
			return false
		}
		if grant.Kind == KindDynamicWildcard {
			return true
		}
		return grant.Key == req.Key
	}

	return false
}
