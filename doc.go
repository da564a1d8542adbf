/*
Package main implements dnschat - a chat client that tunnels messages to an LLM
through DNS TXT queries.

dnschat encodes each chat message as a DNS query name and reads the model's
reply from the TXT answer:

  - Message sanitization into DNS-safe labels (63-byte labels, 255-byte names)
  - UDP transport with TCP fallback on timeout or truncation
  - Optional DNS-over-HTTPS fallback (RFC 8484)
  - Transaction id validation against response spoofing (RFC 5452)
  - Multi-string TXT reassembly
  - Encrypted on-disk chat history and resolver logs with corruption recovery
  - Resolver allowlist so queries only ever reach trusted servers

Configuration:

dnschat uses a configuration file (default: dnschat.toml) that supports:

  - Resolver address and zone suffix
  - Transport timeouts and rate limiting
  - Allowlist extension or replacement
  - Data directory and key passphrase source
  - Logging levels

Usage:

	dnschat [command]

Available Commands:

	ask         Send one message and print the reply
	chat        Interactive chat session
	logs        Inspect and export the resolver log history

Flags:

	--config string   Location of config file (default "dnschat.toml")

Example:

	# One-shot question
	dnschat ask what is the capital of france

	# Interactive session
	dnschat chat

	# Export logs as CSV
	dnschat logs export --format csv -o logs.csv
*/
package main // import "github.com/dnschat/dnschat"
