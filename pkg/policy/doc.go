// Package policy decides which alias local-parts may be created, using Open
// Policy Agent Rego modules.
//
// Every policy is a Rego module that defines a deny set. Entries are either
// strings or objects with message and severity fields. A deny entry with
// severity error rejects the alias; warnings are reported but do not.
//
// Policies see this input document:
//
//	{
//	  "domain": "example.com",
//	  "local_part": "sales",
//	  "address": "sales@example.com",
//	  "recipients": ["owner@example.org"]
//	}
//
// and the reserved local-part list at data.mailgrid.reserved.
//
// Built-in policies:
//   - reserved-local-parts: rejects role addresses (postmaster, abuse, ...)
//   - local-part-format: rejects malformed or over-long local-parts
//   - forwarding-loop: rejects aliases without recipients or forwarding to themselves
//
// Additional policies are loaded from .rego or .json files:
//
//	eng, _ := policy.NewEngine(logger, policy.Options{})
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	allowed, reasons, err := eng.AllowAlias(ctx, "example.com", "sales", recipients)
//
// A file policy with the same name as a built-in replaces it. Watch reloads
// the files on change.
package policy
