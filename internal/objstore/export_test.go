package objstore

import "context"

// ReapSessions runs one housekeeping pass.
func (b *Bucket) ReapSessions(ctx context.Context) int { return b.reapSessions(ctx) }
