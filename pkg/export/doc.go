// Package export renders provisioning results for operators: failed domains
// with their error history as JSON, YAML or a terminal table, and created
// aliases as flat local@domain lines.
package export
