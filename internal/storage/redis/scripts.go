package redis

const (
	// createSessionScript atomically stores a new active session and its indexes.
	// Returns 1 on success, 0 when the passkey is held by an active session and
	// -1 when the id already exists.
	createSessionScript = `
local session_key = KEYS[1]     -- stuffwatch:session:{id}
local active_set = KEYS[2]      -- stuffwatch:sessions:active (zset by created_at)
local lookup_key = KEYS[3]      -- stuffwatch:sessions:lookup:{email}:{passkey}
local passkey_set = KEYS[4]     -- stuffwatch:sessions:passkeys

local session_id = ARGV[1]
local email = ARGV[2]
local passkey = ARGV[3]
local created_at = ARGV[4]
local score = ARGV[5]

if redis.call('EXISTS', session_key) == 1 then
  return -1
end

if redis.call('SISMEMBER', passkey_set, passkey) == 1 then
  return 0
end

redis.call('HSET', session_key,
  'id', session_id,
  'email', email,
  'passkey', passkey,
  'active', '1',
  'created_at', created_at
)

redis.call('ZADD', active_set, score, session_id)
redis.call('SET', lookup_key, session_id)
redis.call('SADD', passkey_set, passkey)

return 1
`

	// endSessionScript atomically deactivates the active session behind a
	// lookup key and removes it from every active index. The session hash is
	// kept without a TTL. Returns the ended session's hash fields as a flat
	// list, or nil when nothing matched.
	endSessionScript = `
local lookup_key = KEYS[1]      -- stuffwatch:sessions:lookup:{email}:{passkey}
local active_set = KEYS[2]      -- stuffwatch:sessions:active
local passkey_set = KEYS[3]     -- stuffwatch:sessions:passkeys

local passkey = ARGV[1]
local ended_at = ARGV[2]
local session_prefix = ARGV[3]

local session_id = redis.call('GET', lookup_key)
if not session_id then
  return false
end

local session_key = session_prefix .. session_id
redis.call('HSET', session_key, 'active', '0', 'ended_at', ended_at)

redis.call('ZREM', active_set, session_id)
redis.call('SREM', passkey_set, passkey)
redis.call('DEL', lookup_key)

return redis.call('HGETALL', session_key)
`
)
