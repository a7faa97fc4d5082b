package validation

// Config bounds what a candidate must satisfy.
type Config struct {
	MinBytes       int      `yaml:"min_bytes"`
	MaxBytes       int      `yaml:"max_bytes"`
	MinWidth       int      `yaml:"min_width"`
	MinHeight      int      `yaml:"min_height"`
	Formats        []string `yaml:"formats"`
	PHashThreshold int      `yaml:"phash_threshold"`
	MinQuality     float64  `yaml:"min_quality"`
	BlockedLabels  []string `yaml:"blocked_labels"`
}

// DefaultConfig returns defaults suitable for photo collection.
func DefaultConfig() Config {
	return Config{
		MinBytes:       1024,
		MaxBytes:       20 << 20,
		MinWidth:       64,
		MinHeight:      64,
		Formats:        []string{"jpeg", "png", "gif", "webp"},
		PHashThreshold: 10,
		MinQuality:     0.5,
		BlockedLabels:  []string{"nsfw"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinBytes <= 0 {
		c.MinBytes = d.MinBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.MinWidth <= 0 {
		c.MinWidth = d.MinWidth
	}
	if c.MinHeight <= 0 {
		c.MinHeight = d.MinHeight
	}
	if len(c.Formats) == 0 {
		c.Formats = d.Formats
	}
	if c.PHashThreshold <= 0 {
		c.PHashThreshold = d.PHashThreshold
	}
	return c
}

func (c Config) allows(format string) bool {
	for _, f := range c.Formats {
		if f == format {
			return true
		}
	}
	return false
}
