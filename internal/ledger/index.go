package ledger

import "tracktrace/internal/types"

type orderKey struct {
	orderID  string
	updateID int
}

// orderIndex 订单号+更新号 -> 工件 ID 集合
// 与快照一起按写时复制更新，替代对全部履历的线性扫描
type orderIndex map[orderKey]map[string]struct{}

// with 返回替换了某个工件索引项的新索引，原索引不变
func (idx orderIndex) with(id string, events []types.StationEvent) orderIndex {
	keys := make(map[orderKey]struct{})
	for _, e := range events {
		if e.OrderID == "" {
			continue
		}
		keys[orderKey{orderID: e.OrderID, updateID: e.OrderUpdateID}] = struct{}{}
	}

	next := make(orderIndex, len(idx)+len(keys))
	for k, ids := range idx {
		if _, has := ids[id]; has {
			if _, keep := keys[k]; !keep {
				// 工件不再带有此订单号，复制一份并移除
				copied := make(map[string]struct{}, len(ids))
				for other := range ids {
					if other != id {
						copied[other] = struct{}{}
					}
				}
				if len(copied) > 0 {
					next[k] = copied
				}
				continue
			}
		}
		next[k] = ids
	}
	for k := range keys {
		if ids, ok := next[k]; ok {
			if _, has := ids[id]; has {
				continue
			}
		}
		copied := make(map[string]struct{}, len(next[k])+1)
		for other := range next[k] {
			copied[other] = struct{}{}
		}
		copied[id] = struct{}{}
		next[k] = copied
	}
	return next
}

// lookup 按 order 给出的顺序返回命中的工件 ID
func (idx orderIndex) lookup(order []string, key orderKey) []string {
	ids, ok := idx[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range order {
		if _, hit := ids[id]; hit {
			out = append(out, id)
		}
	}
	return out
}
