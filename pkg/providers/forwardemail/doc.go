// Package forwardemail implements engine.MailForwardingProvider against the
// Forward Email REST API.
//
// Registering an already registered domain fetches it. Domain status
// predicates are the has_* booleans of the domain object. Alias listings are
// normalized whatever shape the API answers in, and paged until exhausted.
package forwardemail
