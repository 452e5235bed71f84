package turnstile

const (
	luaAppendEnvelopes = `
		-- Atomically append envelopes with a version consistency check and
		-- maintain the correlation and event-type indexes in the same commit
		-- KEYS[1] = envelope list key
		-- KEYS[2] = correlation list key
		-- KEYS[3..N] = per-envelope event-type index keys (sorted sets)
		-- ARGV[1] = expected version (current list length)
		-- ARGV[2i], ARGV[2i+1] = occurred-at score, envelope JSON
		-- Returns: {1, newVersion} on success,
		--          {0, currentVersion, newEnvelopes} on conflict

		local currentLen = redis.call('LLEN', KEYS[1])
		local expected = tonumber(ARGV[1])

		if expected ~= currentLen then
			if expected < currentLen then
				local newEnvelopes = redis.call('LRANGE', KEYS[1], expected, -1)
				return {0, currentLen, newEnvelopes}
			end
			return {0, currentLen, {}}
		end

		local count = (#ARGV - 1) / 2
		for i = 1, count do
			local score = ARGV[2 * i]
			local body = ARGV[2 * i + 1]
			redis.call('RPUSH', KEYS[1], body)
			redis.call('RPUSH', KEYS[2], body)
			redis.call('ZADD', KEYS[2 + i], score, body)
		end

		return {1, redis.call('LLEN', KEYS[1])}
		`
)
