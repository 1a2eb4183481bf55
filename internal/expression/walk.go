package expression

// Children 返回节点的直接子节点
func Children(n Node) []Node {
	switch v := n.(type) {
	case *Property:
		return []Node{v.Target}
	case *Unary:
		return []Node{v.Operand}
	case *Binary:
		return []Node{v.Left, v.Right}
	case *Call:
		return v.Args
	case *Temporal:
		if v.Offset != nil {
			return []Node{v.Operand, v.Period, v.Offset}
		}
		return []Node{v.Operand, v.Period}
	case *Array:
		return v.Items
	case *If:
		return []Node{v.Cond, v.Then, v.Else}
	case *Option:
		return v.Candidates
	case *Failed:
		// 失败节点的原始表达式不参与遍历
		return nil
	}
	return nil
}

// Walk 先序遍历，fn 返回 false 时不再进入子节点
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, child := range Children(n) {
		Walk(child, fn)
	}
}

// Rewrite 自底向上重写语法树，fn 返回替换后的节点
func Rewrite(n Node, fn func(Node) Node) Node {
	switch v := n.(type) {
	case *Property:
		n = &Property{Target: Rewrite(v.Target, fn), Name: v.Name}
	case *Unary:
		n = &Unary{Op: v.Op, Operand: Rewrite(v.Operand, fn)}
	case *Binary:
		n = &Binary{Op: v.Op, Left: Rewrite(v.Left, fn), Right: Rewrite(v.Right, fn)}
	case *Call:
		n = &Call{Name: v.Name, Args: rewriteAll(v.Args, fn)}
	case *Temporal:
		t := &Temporal{Func: v.Func, Operand: Rewrite(v.Operand, fn), Period: Rewrite(v.Period, fn)}
		if v.Offset != nil {
			t.Offset = Rewrite(v.Offset, fn)
		}
		n = t
	case *Array:
		n = &Array{Items: rewriteAll(v.Items, fn)}
	case *If:
		n = &If{Cond: Rewrite(v.Cond, fn), Then: Rewrite(v.Then, fn), Else: Rewrite(v.Else, fn)}
	case *Option:
		n = &Option{Candidates: rewriteAll(v.Candidates, fn), Tolerant: v.Tolerant}
	}
	return fn(n)
}

func rewriteAll(nodes []Node, fn func(Node) Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = Rewrite(n, fn)
	}
	return out
}

// FirstFailed 返回语法树中第一个失败节点
func FirstFailed(n Node) *Failed {
	var found *Failed
	Walk(n, func(n Node) bool {
		if found != nil {
			return false
		}
		if f, ok := n.(*Failed); ok {
			found = f
			return false
		}
		return true
	})
	return found
}

// HasFailed 语法树中是否包含失败节点
func HasFailed(n Node) bool {
	return FirstFailed(n) != nil
}

// References 返回语法树引用的变量名与点位 ID，按出现顺序去重
func References(n Node) (variables []string, points []string) {
	seenVar := make(map[string]bool)
	seenPoint := make(map[string]bool)
	Walk(n, func(n Node) bool {
		switch v := n.(type) {
		case *Variable:
			if !seenVar[v.Name] {
				seenVar[v.Name] = true
				variables = append(variables, v.Name)
			}
		case *Point:
			if !seenPoint[v.ID] {
				seenPoint[v.ID] = true
				points = append(points, v.ID)
			}
		}
		return true
	})
	return variables, points
}
