/*
Package dns resolves domain names to healthy, geographically close
instance addresses over the overlay, and serves that resolution as a
wire-protocol DNS server; Resolver can also be called directly
in-process.

# Resolution pipeline

Resolve runs every query through six stages in order: per-caller rate
limiting, a (domain, region) answer cache, candidate lookup against the
CRDT-replicated DNS record collection, health-score filtering, geo-DNS
distance sorting, and finally top-3 selection with a cache write-back.
Any stage can short-circuit the query with a typed error: RateLimited,
NotFound ("domain not found"), or Unavailable ("no healthy nodes").

# Cache backing

The answer cache is a small interface (Cache) with two implementations:
an in-process map with lazy expiry, and a Redis-backed cache selected
automatically when FORM_REDIS_ADDR is set. A fleet of resolver nodes
sharing one Redis instance see each other's cached answers, which
matters when the same popular domain is queried from many overlay
nodes at once.

# Geo-DNS

Client region is derived from the query's EDNS client-subnet hint when
present, else its client IP, with lat/lon coordinates as a last resort,
and candidates are stable-sorted by a fixed six-region adjacency table.
Region classification today is a deterministic hash bucketing rather
than a real geoIP database; swapping in a real one only touches
ipRegion.

# BGP-style anycast announcements

AnycastTable accepts and validates anycast prefix announcements:
bogon prefixes and next-hops are rejected outright, AS-path loops back
to the local AS are rejected, and both a per-peer prefix count and a
per-minute announcement rate are enforced.

# Wire server

Server wraps Resolver behind a miekg/dns UDP listener, answering A
queries for its configured domain from the resolver and forwarding
everything else to the configured upstream resolvers.
*/
package dns
