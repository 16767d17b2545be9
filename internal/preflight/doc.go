// Package preflight provides readiness checks for the filesystem paths,
// credentials and inputs a loom run depends on.
//
// These checks run in two contexts:
//   - The workflow runner calls RunAll before seeding the tree. If any check
//     fails the run is refused before a single job is submitted.
//   - The CLI "loom check" command prints every result.
//
// Each check is gated by its config toggle; disabled stages are skipped.
package preflight
