// Package transform interprets declarative extraction rules. A Spec maps one
// raw item (decoded JSON or an HTML wrapper) to one flat Row through field
// paths, CSS selectors, typed coercions and defaults. Nothing supplied by the
// strategy is ever executed; Compile validates a Spec against a fixed grammar
// and the resulting Program is a pure evaluator.
package transform
