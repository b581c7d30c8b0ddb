// 文件: pkg/order/redis_index.go
// 触发价索引 - Redis 实现
//
// 【数据结构】
// - {prefix}:detail:{kind}:{account}:{index}  → JSON (条目 + 所在 ZSET key + member)
// - {prefix}:idx:{token}:{above|below}         → ZSET, score = 触发价, member = kind:index:executableAt:account
//
// 增删都走 Lua 脚本，detail 和 ZSET 原子更新。
// 查询只读 ZSET，member 自带全部字段，不需要反序列化 detail

package order

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "perpx:trigger"

// redisTriggerDetail detail key 里存的内容
type redisTriggerDetail struct {
	TriggerEntry
	IndexKey string `json:"index_key"`
	Member   string `json:"member"`
}

// RedisTriggerIndex Redis 索引 (多进程共享)
type RedisTriggerIndex struct {
	client *redis.Client
	prefix string
}

var _ TriggerIndex = (*RedisTriggerIndex)(nil)

// NewRedisTriggerIndex 创建 Redis 索引，prefix 为空时用默认前缀
func NewRedisTriggerIndex(client *redis.Client, prefix string) *RedisTriggerIndex {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisTriggerIndex{client: client, prefix: prefix}
}

func (r *RedisTriggerIndex) detailKey(kind Kind, ref OrderRef) string {
	return r.prefix + ":detail:" + string(kind) + ":" + ref.Account + ":" + strconv.FormatUint(ref.Index, 10)
}

func (r *RedisTriggerIndex) indexKey(token string, above bool) string {
	direction := "below"
	if above {
		direction = "above"
	}
	return r.prefix + ":idx:" + token + ":" + direction
}

// luaAdd 新增/覆盖
// KEYS[1]: detailKey
// KEYS[2]: indexKey
// ARGV[1]: member
// ARGV[2]: score (触发价)
// ARGV[3]: detailJSON
//
// 覆盖时先按旧 detail 把旧 member 从旧 ZSET 删掉 (触发价/方向/时间都可能变)
const luaAdd = `
	local old = redis.call('GET', KEYS[1])
	if old then
		local d = cjson.decode(old)
		redis.call('ZREM', d["index_key"], d["member"])
	end
	redis.call('SET', KEYS[1], ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
`

// luaRemove 删除
// KEYS[1]: detailKey
const luaRemove = `
	local data = redis.call('GET', KEYS[1])
	if not data then return 0 end
	local d = cjson.decode(data)
	redis.call('ZREM', d["index_key"], d["member"])
	redis.call('DEL', KEYS[1])
	return 1
`

// Add 新增或覆盖
func (r *RedisTriggerIndex) Add(ctx context.Context, e TriggerEntry) error {
	d := redisTriggerDetail{
		TriggerEntry: e,
		IndexKey:     r.indexKey(e.Token, e.Above),
		Member:       e.member(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.client.Eval(ctx, luaAdd, []string{r.detailKey(e.Kind, e.Ref()), d.IndexKey},
		d.Member, e.TriggerPrice, data).Err()
}

// Remove 删除
func (r *RedisTriggerIndex) Remove(ctx context.Context, kind Kind, ref OrderRef) error {
	return r.client.Eval(ctx, luaRemove, []string{r.detailKey(kind, ref)}).Err()
}

// Triggered 分页扫描两个桶
func (r *RedisTriggerIndex) Triggered(ctx context.Context, token string, price int64) ([]TriggerEntry, error) {
	triggered := make([]TriggerEntry, 0, 64)
	p := strconv.FormatInt(price, 10)

	// 上涨触发: 触发价 <= 当前价
	above, err := r.scan(ctx, token, true, "-inf", p)
	if err != nil {
		return nil, err
	}
	triggered = append(triggered, above...)

	// 下跌触发: 触发价 >= 当前价 (价高的先)
	below, err := r.scan(ctx, token, false, p, "+inf")
	if err != nil {
		return nil, err
	}
	return append(triggered, below...), nil
}

func (r *RedisTriggerIndex) scan(ctx context.Context, token string, above bool, min, max string) ([]TriggerEntry, error) {
	indexKey := r.indexKey(token, above)
	const batchSize = 100
	var out []TriggerEntry

	for offset := int64(0); ; offset += batchSize {
		opt := &redis.ZRangeBy{Min: min, Max: max, Offset: offset, Count: batchSize}

		var members []redis.Z
		var err error
		if above {
			members, err = r.client.ZRangeByScoreWithScores(ctx, indexKey, opt).Result()
		} else {
			members, err = r.client.ZRevRangeByScoreWithScores(ctx, indexKey, opt).Result()
		}
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			break
		}

		for _, z := range members {
			member, ok := z.Member.(string)
			if !ok {
				continue
			}
			e, ok := parseMember(member)
			if !ok {
				continue
			}
			e.Token = token
			e.Above = above
			e.TriggerPrice = int64(z.Score)
			out = append(out, e)
		}
		if len(members) < batchSize {
			break
		}
	}
	return out, nil
}
