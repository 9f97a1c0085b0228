// Package internal holds shared leaf helpers: CSPRNG secret generation,
// the storage-comparison secret hash, and destination normalization and
// masking. Nothing here touches Redis or carries state.
package internal
