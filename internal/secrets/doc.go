// Package secrets redacts credentials from error text.
//
// Error messages pasted from build logs often carry tokens, keys or
// connection strings. Text is scrubbed before it is sent to external search
// collaborators or the LLM and before it is stored as a learning entry.
package secrets
