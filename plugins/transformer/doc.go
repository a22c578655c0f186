// Package transformer rewrites measurement data on its way to a target
// measurement: field and tag names through string transforms, field values
// through string transforms and unit conversions, with optional custom
// replacements, SQL-LIKE style regex selection, and row filters.
package transformer
