package patternlib

import "context"

// builtins make the harness usable offline: enough variety to exercise
// drums, melody and chords without importing anything.
var builtins = []Pattern{
	{
		Name:   "four-on-the-floor",
		Source: `s("bd*4, [~ hh]*2")`,
	},
	{
		Name:   "breakbeat",
		Source: `s("bd ~ [~ bd] sd, hh*8").speed(0.9)`,
	},
	{
		Name: "minor-arp",
		Source: `note("a3 c4 e4 c4".fast(2))
  .s("sawtooth").cutoff(800)`,
	},
	{
		Name: "chords",
		Source: `chord("<Am F C G>")
  .voicing().s("piano").slow(2)`,
	},
	{
		Name: "bassline",
		Source: `note("a1 [~ a1] c2 e1")
  .s("sawtooth").lpf(300)`,
	},
}

// seed inserts the built-in patterns when the library is empty.
func (s *Store) seed(ctx context.Context) error {
	n, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for i := range builtins {
		p := builtins[i]
		if _, err := s.Put(ctx, &p); err != nil {
			return err
		}
	}
	return nil
}
