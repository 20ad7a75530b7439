package config

// RadioConfig holds PHY defaults for the simulated LoRa radio adapter.
// Values mirror common EU868 defaults and are runtime-overridable through
// the node's radio configuration API.
type RadioConfig struct {
    FrequencyMHz    float64 `mapstructure:"frequency_mhz"`
    BandwidthKHz    float64 `mapstructure:"bandwidth_khz"`
    SpreadingFactor int     `mapstructure:"spreading_factor"`
    CodingRate      string  `mapstructure:"coding_rate"`
    SyncWord        int     `mapstructure:"sync_word"`
    PreambleLength  int     `mapstructure:"preamble_length"`
    TxPowerDBm      int     `mapstructure:"tx_power_dbm"`
    CRCEnabled      bool    `mapstructure:"crc_enabled"`
}

func defaultRadioConfig() RadioConfig {
    return RadioConfig{
        FrequencyMHz:    868.0,
        BandwidthKHz:    125.0,
        SpreadingFactor: 12,
        CodingRate:      "4/5",
        SyncWord:        0x12,
        PreambleLength:  8,
        TxPowerDBm:      20,
        CRCEnabled:      true,
    }
}
