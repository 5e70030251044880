// Package config owns everything the gateway persists: the gateway
// configuration file and the per-template JSON definitions.
//
// # Layout
//
//	<dir>/gateway.json            gateway settings
//	<dir>/templates/<name>.json   one file per service template
//
// Every write goes through a temp file in the same directory followed by a
// rename, so readers never observe a half-written file and a crash leaves
// the previous version intact. Template saves are idempotent: writing an
// identical normalized body over an existing file changes nothing.
//
// # Environment
//
// PATCHBAY_HOST, PATCHBAY_PORT, PATCHBAY_AUTH_MODE, and PATCHBAY_LOG_LEVEL
// override the file configuration at startup. Separately, template env
// values, args, and headers may carry ${NAME} references; ResolveTemplate
// expands them from the process environment exactly once, when an instance
// is created. Unset references keep their literal form.
//
// # Hot Reload
//
// Watcher follows the templates directory with fsnotify and reports
// debounced per-template changes, so edits made behind the gateway's back
// show up without a restart.
package config
