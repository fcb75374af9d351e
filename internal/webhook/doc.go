// Package webhook accepts commands from systems that can sign a request body
// but cannot hold a bearer token, such as SOAR playbooks and SIEM alert hooks.
//
// Each endpoint verifies an HMAC-SHA256 signature over the raw body with a
// pre-shared secret, decodes the body as a bare command, optionally checks it
// against an action allow-list, and dispatches it synchronously.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/soar
//	      secret: ${SOAR_HOOK_SECRET}
//	      signature_header: X-Signature-256
//	      max_body_size: 64KB
//	      actions: [deny, allow]
//
// Responses:
//
//   - 200 OK with {"result": ...}
//   - 400 malformed command
//   - 403 missing or invalid signature, or action not allowed (no details)
//   - 404 unknown action
//   - 413 body exceeds max_body_size
//   - 422 no handler for the target/actuator types
//   - 500 handler failure
package webhook
