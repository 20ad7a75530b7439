package config

// CryptoConfig describes the pluggable cipher used to seal/open DATA
// payloads carrying the ENCRYPTED routing flag (spec §9's open question).
// Alg "none" (the default) installs crypto.NopCipher; "chacha20poly1305"
// requires a 32-byte key in Key or KeyFile.
type CryptoConfig struct {
	Alg     string `mapstructure:"alg"`      // "none" or "chacha20poly1305"
	Key     string `mapstructure:"key"`      // base64url(no padding) of a 32-byte key
	KeyFile string `mapstructure:"key_file"` // path to a file containing the base64 key
}
