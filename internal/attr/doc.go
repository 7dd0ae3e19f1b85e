// Package attr defines the attribute values carried by managed objects and
// their canonical encoding.
//
// Values are a sealed set: Null, String, Int and Bool. There are no floats,
// so sort keys compare exactly and fingerprints are stable.
//
// Every value written to a store goes through MarshalCanonical (RFC 8785
// key order, NFC-normalized strings, no HTML escaping). Fingerprint hashes
// that encoding and is how the result set diff detects updated rows.
package attr
