package policy

import (
	"time"
)

// DefaultReserved are local-parts that mailbox providers and RFC 2142 reserve.
var DefaultReserved = []string{
	"abuse",
	"admin",
	"administrator",
	"hostmaster",
	"mailer-daemon",
	"no-reply",
	"noreply",
	"postmaster",
	"root",
	"security",
	"webmaster",
}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		reservedLocalPartsPolicy(),
		localPartFormatPolicy(),
		forwardingLoopPolicy(),
	}
}

// reservedLocalPartsPolicy rejects local-parts listed in data.mailgrid.reserved.
func reservedLocalPartsPolicy() Policy {
	return Policy{
		Name:        "reserved-local-parts",
		Description: "Rejects role addresses such as postmaster and abuse",
		Severity:    SeverityError,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package mailgrid.policies.reserved

import rego.v1

deny contains msg if {
	some reserved in data.mailgrid.reserved
	lower(input.local_part) == reserved
	msg := sprintf("local-part '%s' is reserved", [input.local_part])
}
`,
	}
}

// localPartFormatPolicy enforces a conservative local-part shape.
func localPartFormatPolicy() Policy {
	return Policy{
		Name:        "local-part-format",
		Description: "Local-parts are lowercase letters, digits, dots, hyphens and underscores",
		Severity:    SeverityError,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package mailgrid.policies.format

import rego.v1

deny contains msg if {
	not regex.match("^[a-z0-9](?:[a-z0-9._-]*[a-z0-9])?$", input.local_part)
	msg := sprintf("local-part '%s' has an invalid format", [input.local_part])
}

deny contains msg if {
	count(input.local_part) > 64
	msg := sprintf("local-part '%s' exceeds 64 characters", [input.local_part])
}

deny contains msg if {
	contains(input.local_part, "..")
	msg := sprintf("local-part '%s' contains consecutive dots", [input.local_part])
}
`,
	}
}

// forwardingLoopPolicy rejects aliases that forward to themselves or to no one.
func forwardingLoopPolicy() Policy {
	return Policy{
		Name:        "forwarding-loop",
		Description: "Aliases must forward to at least one address other than themselves",
		Severity:    SeverityError,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package mailgrid.policies.loop

import rego.v1

deny contains msg if {
	some r in input.recipients
	lower(r) == lower(input.address)
	msg := sprintf("alias %s forwards to itself", [input.address])
}

deny contains msg if {
	count(input.recipients) == 0
	msg := sprintf("alias %s has no recipients", [input.address])
}
`,
	}
}
