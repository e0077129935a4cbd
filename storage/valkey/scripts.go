package valkey

import valkeygo "github.com/valkey-io/valkey-go"

// Lua scripts for every compare-and-swap. Records are JSON documents decoded
// with cjson; timestamps are Unix milliseconds. Scripts answer with either the
// updated record or one of the sentinel strings below.

const (
	resultNotFound      = "NOT_FOUND"
	resultExpired       = "EXPIRED"
	resultUsedPrefix    = "ALREADY_USED:"
	resultRevokedPrefix = "REVOKED:"
	resultConflict      = "CONFLICT"
	resultResolved      = "RESOLVED"
	resultNotAuthorized = "NOT_AUTHORIZED"
)

// consumeCodeScript marks an authorization code used.
//
// KEYS[1] = code key
// ARGV[1] = now
//
// A used code is reported before expiry so replay is still detected.
var consumeCodeScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED:' .. data
end
if tonumber(ARGV[1]) > tonumber(code.expires_at) then
    return 'EXPIRED'
end
code.used = true
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`)

// saveDeviceScript stores a device authorization unless its user code is held
// by another live authorization.
//
// KEYS[1] = device key, KEYS[2] = user code key
// ARGV[1] = record, ARGV[2] = now, ARGV[3] = ttl ms, ARGV[4] = device code,
// ARGV[5] = device key prefix
var saveDeviceScript = valkeygo.NewLuaScript(`
local holder = redis.call('GET', KEYS[2])
if holder and holder ~= ARGV[4] then
    local existing = redis.call('GET', ARGV[5] .. holder)
    if existing then
        local d = cjson.decode(existing)
        if d.status ~= 'expired' and tonumber(ARGV[2]) <= tonumber(d.expires_at) then
            return 'CONFLICT'
        end
    end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[3])
return 'OK'
`)

// resolveDeviceScript moves a pending authorization to authorized or denied.
//
// KEYS[1] = user code key
// ARGV[1] = device key prefix, ARGV[2] = status, ARGV[3] = user ID, ARGV[4] = now
var resolveDeviceScript = valkeygo.NewLuaScript(`
local dc = redis.call('GET', KEYS[1])
if not dc then
    return 'NOT_FOUND'
end
local key = ARGV[1] .. dc
local data = redis.call('GET', key)
if not data then
    return 'NOT_FOUND'
end
local d = cjson.decode(data)
if d.status == 'consumed' then
    return 'RESOLVED'
end
if d.status == 'expired' or tonumber(ARGV[4]) > tonumber(d.expires_at) then
    if d.status == 'pending' or d.status == 'authorized' then
        d.status = 'expired'
        redis.call('SET', key, cjson.encode(d), 'KEEPTTL')
    end
    return 'EXPIRED'
end
if d.status == ARGV[2] and d.user_id == ARGV[3] then
    return data
end
if d.status ~= 'pending' then
    return 'RESOLVED'
end
d.status = ARGV[2]
d.user_id = ARGV[3]
local updated = cjson.encode(d)
redis.call('SET', key, updated, 'KEEPTTL')
return updated
`)

// pollDeviceScript records a poll. The reply is "1" or "0" (slow down)
// followed by the updated record.
//
// KEYS[1] = device key
// ARGV[1] = now, ARGV[2] = slow down step in seconds
var pollDeviceScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local d = cjson.decode(data)
local now = tonumber(ARGV[1])
if (d.status == 'pending' or d.status == 'authorized') and now > tonumber(d.expires_at) then
    d.status = 'expired'
end
local slow = '0'
local last = tonumber(d.last_poll_at) or 0
local interval = tonumber(d.interval) or 0
if d.status ~= 'consumed' and d.status ~= 'expired' and last > 0 and (now - last) < interval * 1000 then
    d.interval = interval + tonumber(ARGV[2])
    slow = '1'
end
d.last_poll_at = now
local updated = cjson.encode(d)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return slow .. updated
`)

// claimDeviceScript moves an authorized, unexpired authorization to consumed.
//
// KEYS[1] = device key
// ARGV[1] = now
var claimDeviceScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_AUTHORIZED'
end
local d = cjson.decode(data)
if d.status ~= 'authorized' or tonumber(ARGV[1]) > tonumber(d.expires_at) then
    return 'NOT_AUTHORIZED'
end
d.status = 'consumed'
local updated = cjson.encode(d)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`)

// saveTokensScript stores tokens and indexes them by family and user+client.
//
// KEYS = token key, family key, user+client key (repeated per token)
// ARGV = record, ttl ms, token value (repeated per token)
var saveTokensScript = valkeygo.NewLuaScript(`
for i = 0, (#KEYS / 3) - 1 do
    local ttl = tonumber(ARGV[i * 3 + 2])
    local value = ARGV[i * 3 + 3]
    redis.call('SET', KEYS[i * 3 + 1], ARGV[i * 3 + 1], 'PX', ttl)
    for _, set in ipairs({KEYS[i * 3 + 2], KEYS[i * 3 + 3]}) do
        redis.call('SADD', set, value)
        if redis.call('PTTL', set) < ttl then
            redis.call('PEXPIRE', set, ttl)
        end
    end
end
return 'OK'
`)

// rotateRefreshScript revokes a refresh token and stores its successor along
// with the new access token.
//
// KEYS[1] = old token key, KEYS[2] = next token key, KEYS[3] = access token key,
// KEYS[4] = family key, KEYS[5] = user+client key
// ARGV[1] = now, ARGV[2] = next record, ARGV[3] = next ttl ms, ARGV[4] = next value,
// ARGV[5] = access record, ARGV[6] = access ttl ms, ARGV[7] = access value
var rotateRefreshScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local t = cjson.decode(data)
if t.type ~= 'refresh_token' then
    return 'NOT_FOUND'
end
if t.revoked then
    return 'REVOKED:' .. data
end
if tonumber(ARGV[1]) >= tonumber(t.expires_at) then
    return 'EXPIRED'
end
t.revoked = true
local updated = cjson.encode(t)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
local ttl = tonumber(ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
redis.call('SET', KEYS[3], ARGV[5], 'PX', tonumber(ARGV[6]))
for _, set in ipairs({KEYS[4], KEYS[5]}) do
    redis.call('SADD', set, ARGV[4], ARGV[7])
    if redis.call('PTTL', set) < ttl then
        redis.call('PEXPIRE', set, ttl)
    end
end
return updated
`)

// revokeTokenScript marks one token revoked.
//
// KEYS[1] = token key
var revokeTokenScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local t = cjson.decode(data)
if t.revoked then
    return data
end
t.revoked = true
local updated = cjson.encode(t)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`)

// revokeSetScript revokes every live token listed in a set and returns how
// many changed.
//
// KEYS[1] = family or user+client set key
// ARGV[1] = token key prefix
var revokeSetScript = valkeygo.NewLuaScript(`
local count = 0
for _, value in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. value
    local data = redis.call('GET', key)
    if data then
        local t = cjson.decode(data)
        if not t.revoked then
            t.revoked = true
            redis.call('SET', key, cjson.encode(t), 'KEEPTTL')
            count = count + 1
        end
    end
end
return count
`)
