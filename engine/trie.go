package engine

import (
	"strings"
)

// trieNode is one label of a reversed domain name.
type trieNode struct {
	children map[string]*trieNode
	// terminal marks a blocked domain ending at this node.
	terminal bool
}

// DomainTrie indexes blocked domains by reversed labels so the parent walk
// of a host costs one pass over its labels.
type DomainTrie struct {
	root *trieNode
	size int
}

// NewDomainTrie creates a new empty Trie.
func NewDomainTrie() *DomainTrie {
	return &DomainTrie{
		root: &trieNode{children: make(map[string]*trieNode)},
	}
}

// Insert adds a domain. Entries carrying a path are not domains and are
// ignored.
func (t *DomainTrie) Insert(domain string) {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" || strings.Contains(domain, "/") {
		return
	}
	parts := strings.Split(domain, ".")
	node := t.root

	// Insert in reverse order: com -> example
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if node.children == nil {
			node.children = make(map[string]*trieNode)
		}
		if node.children[part] == nil {
			node.children[part] = &trieNode{}
		}
		node = node.children[part]
	}
	if !node.terminal {
		node.terminal = true
		t.size++
	}
}

// Len returns the number of distinct domains inserted.
func (t *DomainTrie) Len() int { return t.size }

// Parent returns the most specific blocked domain that is a strict parent of
// host: for a.b.c.com it prefers b.c.com over c.com over com.
func (t *DomainTrie) Parent(host string) (string, bool) {
	host = strings.TrimSuffix(host, ".")
	parts := strings.Split(host, ".")
	deepest := -1

	node := t.root
	// Traverse in reverse: com -> example -> ads, stopping short of host itself.
	for i := len(parts) - 1; i >= 1; i-- {
		node = node.children[parts[i]]
		if node == nil {
			break
		}
		if node.terminal {
			deepest = i
		}
	}
	if deepest < 0 {
		return "", false
	}
	return strings.Join(parts[deepest:], "."), true
}
