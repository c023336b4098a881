// Package condition implements the version-predicate algebra used by
// occurrent's write path: a small expression tree over an ordered,
// comparable domain, evaluable against a stored value and renderable to the
// exact English wording occurrent's errors use.
package condition

import (
	"cmp"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// kind tags which variant of Condition[T] a node is. Condition is modeled as
// a sealed union the way the teacher models StreamConsistencyGuarantee and
// StartAt: one Go type, one constructor per variant, a kind tag to dispatch
// on internally.
type kind int

const (
	kindEq kind = iota
	kindNe
	kindLt
	kindLte
	kindGt
	kindGte
	kindAnd
	kindOr
	kindNot
)

// Condition is an expression tree over a totally ordered comparable domain.
// Build one with the Eq/Ne/Lt/Lte/Gt/Gte/And/Or/Not constructors below; the
// zero value is not a valid Condition.
type Condition[T cmp.Ordered] struct {
	kind     kind
	value    T
	children []Condition[T]
}

// Eq builds a condition that holds when the evaluated value equals v.
func Eq[T cmp.Ordered](v T) Condition[T] { return Condition[T]{kind: kindEq, value: v} }

// Ne builds a condition that holds when the evaluated value does not equal v.
func Ne[T cmp.Ordered](v T) Condition[T] { return Condition[T]{kind: kindNe, value: v} }

// Lt builds a condition that holds when the evaluated value is less than v.
func Lt[T cmp.Ordered](v T) Condition[T] { return Condition[T]{kind: kindLt, value: v} }

// Lte builds a condition that holds when the evaluated value is less than
// or equal to v.
func Lte[T cmp.Ordered](v T) Condition[T] { return Condition[T]{kind: kindLte, value: v} }

// Gt builds a condition that holds when the evaluated value is greater
// than v.
func Gt[T cmp.Ordered](v T) Condition[T] { return Condition[T]{kind: kindGt, value: v} }

// Gte builds a condition that holds when the evaluated value is greater
// than or equal to v.
func Gte[T cmp.Ordered](v T) Condition[T] { return Condition[T]{kind: kindGte, value: v} }

// And builds a conjunction, flattening nested Ands associatively. An empty
// And (no children) is vacuously true.
func And[T cmp.Ordered](children ...Condition[T]) Condition[T] {
	return Condition[T]{kind: kindAnd, children: flatten(kindAnd, children)}
}

// Or builds a disjunction, flattening nested Ors associatively. An empty Or
// (no children) is vacuously false.
func Or[T cmp.Ordered](children ...Condition[T]) Condition[T] {
	return Condition[T]{kind: kindOr, children: flatten(kindOr, children)}
}

// Not negates a single child condition.
func Not[T cmp.Ordered](child Condition[T]) Condition[T] {
	return Condition[T]{kind: kindNot, children: []Condition[T]{child}}
}

func flatten[T cmp.Ordered](k kind, children []Condition[T]) []Condition[T] {
	out := make([]Condition[T], 0, len(children))
	for _, c := range children {
		if c.kind == k {
			out = append(out, c.children...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Evaluate walks the tree and reports whether current satisfies it.
func (c Condition[T]) Evaluate(current T) bool {
	switch c.kind {
	case kindEq:
		return current == c.value
	case kindNe:
		return current != c.value
	case kindLt:
		return current < c.value
	case kindLte:
		return current <= c.value
	case kindGt:
		return current > c.value
	case kindGte:
		return current >= c.value
	case kindAnd:
		for _, child := range c.children {
			if !child.Evaluate(current) {
				return false
			}
		}
		return true
	case kindOr:
		for _, child := range c.children {
			if child.Evaluate(current) {
				return true
			}
		}
		return false
	case kindNot:
		return !c.children[0].Evaluate(current)
	default:
		return false
	}
}

// ToBSON translates the condition into a Mongo query fragment matching
// field against it, so the comparison can run server-side instead of
// requiring the caller to fetch-then-check.
func (c Condition[T]) ToBSON(field string) bson.M {
	switch c.kind {
	case kindEq:
		return bson.M{field: bson.M{"$eq": c.value}}
	case kindNe:
		return bson.M{field: bson.M{"$ne": c.value}}
	case kindLt:
		return bson.M{field: bson.M{"$lt": c.value}}
	case kindLte:
		return bson.M{field: bson.M{"$lte": c.value}}
	case kindGt:
		return bson.M{field: bson.M{"$gt": c.value}}
	case kindGte:
		return bson.M{field: bson.M{"$gte": c.value}}
	case kindAnd:
		if len(c.children) == 0 {
			return bson.M{}
		}
		parts := make(bson.A, 0, len(c.children))
		for _, child := range c.children {
			parts = append(parts, child.ToBSON(field))
		}
		return bson.M{"$and": parts}
	case kindOr:
		if len(c.children) == 0 {
			return bson.M{field: bson.M{"$exists": false}}
		}
		parts := make(bson.A, 0, len(c.children))
		for _, child := range c.children {
			parts = append(parts, child.ToBSON(field))
		}
		return bson.M{"$or": parts}
	case kindNot:
		return bson.M{"$nor": bson.A{c.children[0].ToBSON(field)}}
	default:
		return bson.M{}
	}
}

// Render produces the stable English rendering used in
// WriteConditionNotFulfilled error messages. The wording matches spec.md §7
// exactly, including the "to be equal to", "to not be equal to", "and"/"or"
// joiners.
func (c Condition[T]) Render() string {
	switch c.kind {
	case kindEq:
		return fmt.Sprintf("to be equal to %v", c.value)
	case kindNe:
		return fmt.Sprintf("to not be equal to %v", c.value)
	case kindLt:
		return fmt.Sprintf("to be less than %v", c.value)
	case kindLte:
		return fmt.Sprintf("to be less than or equal to %v", c.value)
	case kindGt:
		return fmt.Sprintf("to be greater than %v", c.value)
	case kindGte:
		return fmt.Sprintf("to be greater than or equal to %v", c.value)
	case kindAnd:
		if len(c.children) == 0 {
			return "to always hold"
		}
		return joinRenderings(c.children, " and ")
	case kindOr:
		if len(c.children) == 0 {
			return "to never hold"
		}
		return joinRenderings(c.children, " or ")
	case kindNot:
		return "to not hold: " + c.children[0].Render()
	default:
		return ""
	}
}

func joinRenderings[T cmp.Ordered](children []Condition[T], sep string) string {
	parts := make([]string, len(children))
	for i, child := range children {
		parts[i] = child.Render()
	}
	return strings.Join(parts, sep)
}
