// Package router maps request paths to backend services.
//
// A Table is built once per configuration load from the configured
// routes. Routes are ordered by specificity (longer prefix first, then
// lexical), so the longest matching prefix always wins regardless of the
// order routes were declared in. Prefixes match on path segment
// boundaries: "/api/menu" covers "/api/menu/items" but not
// "/api/menuitems".
//
// Each route carries a rewrite rule applied before forwarding:
//
//   - strip-prefix removes the matched prefix, mapping an empty remainder
//     to "/"
//   - preserve forwards the original path unchanged
//
// A Router holds the current Table and swaps it atomically on reload, so
// in-flight requests keep the table they matched against.
package router
