// Package durable provides persistent stores for the second tier of the
// benteng response cache.
//
// Every store satisfies benteng.DurableStore: values are opaque bytes, a TTL of
// zero means the value never expires, and Get reports found=false for missing
// or expired keys rather than returning an error.
//
//	store, err := durable.OpenBolt("/var/lib/app/cache.db")
//	if err != nil {
//		return err
//	}
//	client := benteng.New(benteng.WithDurableStore(store))
//	defer client.Close()
package durable
