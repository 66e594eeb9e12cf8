// Package bucket maps identities to stable integer buckets for percentage rollouts.
//
// The primary hash is context-only: a user's bucket does not depend on the flag
// being evaluated, so the same user lands in the same bucket for every flag.
// Rollouts across flags are therefore correlated (a 10% canary group is the same
// 10% of users everywhere). Independent draws salted with the flag id are
// available through Independent for callers that need decorrelated sampling.
package bucket

import (
	"unicode/utf16"

	"github.com/spaolacci/murmur3"
)

// Percent is the bucket space used by percentage rollouts (buckets 0-99).
const Percent = 100

// Hash returns the polynomial rolling hash (h = h*31 + c) of s computed over its
// UTF-16 code units and wrapped to 32 bits.
//
// The result equals Java's String.hashCode reinterpreted as unsigned, which keeps
// buckets stable across restarts and across any client that hashes the same way.
func Hash(s string) uint32 {
	var h uint32
	for _, r := range s {
		if r < 0x10000 {
			h = h*31 + uint32(r)
			continue
		}
		// Characters outside the BMP count as a surrogate pair.
		hi, lo := utf16.EncodeRune(r)
		h = h*31 + uint32(hi)
		h = h*31 + uint32(lo)
	}
	return h
}

// Of returns Hash(id) mod n. It returns 0 when n is 0.
func Of(id string, n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return Hash(id) % n
}

// Percentage returns the bucket of id in [0, 100).
func Percentage(id string) int {
	return int(Of(id, Percent))
}

// Independent returns a bucket in [0, n) drawn from Murmur3 over "id:salt".
// Different salts give statistically independent buckets for the same id.
func Independent(id, salt string, n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return murmur3.Sum32([]byte(id+":"+salt)) % n
}
