/*
Package envelope encodes and decodes the messages exchanged between a controller and a UI host.

Every message is a JSON object with exactly two meaningful keys:

	{"event": "ping", "payload": "hi"}

The payload may be any JSON value. Encoded envelopes are compact and end in a single newline,
but readers must not rely on the newline: the framer recovers boundaries from JSON structure alone.

Event names starting with "__" are reserved. They are used for the readiness handshake
("__ready__") and for UI interactions forwarded by the host, which are named
"__event__.<element-id>.<interaction-type>".
*/
package envelope
