package redis

const (
	// putWindowScript atomically stores a window and its expiry index
	putWindowScript = `
local window_key = KEYS[1]   -- kportal:window:{userKey}
local index_key = KEYS[2]    -- kportal:windows

local payload = ARGV[1]
local end_ms = ARGV[2]
local user_key = ARGV[3]

redis.call('SET', window_key, payload)
redis.call('PEXPIREAT', window_key, end_ms)
redis.call('ZADD', index_key, end_ms, user_key)

return 'OK'
`

	// deleteExpiredWindowsScript removes every window whose end is at or before now
	deleteExpiredWindowsScript = `
local index_key = KEYS[1]    -- kportal:windows
local prefix = ARGV[1]
local now_ms = ARGV[2]

local expired = redis.call('ZRANGEBYSCORE', index_key, '-inf', now_ms)
for _, user_key in ipairs(expired) do
  redis.call('DEL', prefix .. user_key)
end
redis.call('ZREMRANGEBYSCORE', index_key, '-inf', now_ms)

return #expired
`

	// upsertPackageScript atomically writes a package and its catalog index
	upsertPackageScript = `
local package_key = KEYS[1]  -- kportal:package:{id}
local index_key = KEYS[2]    -- kportal:packages

redis.call('DEL', package_key)
redis.call('HSET', package_key,
  'id', ARGV[1],
  'name', ARGV[2],
  'price', ARGV[3],
  'duration', ARGV[4],
  'duration_unit', ARGV[5],
  'description', ARGV[6],
  'popular', ARGV[7],
  'download_speed', ARGV[8],
  'max_download_speed', ARGV[9]
)
redis.call('SADD', index_key, ARGV[1])

return 'OK'
`

	// upsertTransactionScript atomically writes a transaction and its time index
	upsertTransactionScript = `
local tx_key = KEYS[1]       -- kportal:tx:{id}
local index_key = KEYS[2]    -- kportal:txs

local id = ARGV[1]
local created_ms = ARGV[12]

redis.call('HSET', tx_key,
  'id', id,
  'user_key', ARGV[2],
  'package_id', ARGV[3],
  'phone_number', ARGV[4],
  'amount', ARGV[5],
  'method', ARGV[6],
  'reference', ARGV[7],
  'status', ARGV[8],
  'failure_reason', ARGV[9],
  'created_at', ARGV[10],
  'updated_at', ARGV[11]
)
redis.call('ZADD', index_key, created_ms, id)

-- Keep settled transactions for 90 days (7776000 seconds)
if ARGV[8] == 'success' or ARGV[8] == 'failed' then
  redis.call('EXPIRE', tx_key, 7776000)
end

-- Drop index entries older than the retention cutoff
redis.call('ZREMRANGEBYSCORE', index_key, '-inf', '(' .. ARGV[13])

return 'OK'
`
)
