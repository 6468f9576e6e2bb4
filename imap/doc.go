// Package imap contains the wire-level helpers of imaproxy: framing of
// client command lines, tokenizing of server responses and parsing of
// METADATA payloads. The proxy never interprets more of
// the protocol than these helpers expose; everything else is forwarded
// as raw bytes.
package imap
