package correction

import (
	"strings"

	"github.com/coachlens/coachlens/internal/analysis"
)

// indexPair maps a token index in the original sequence to the corresponding
// index in the corrected sequence.
type indexPair struct {
	origIdx int
	corrIdx int
}

// tokenLCS computes the longest common subsequence of two token slices and
// returns anchor pairs (indices into a and b) representing common tokens in
// order. Standard O(m×n) DP — coaching transcripts stay well within budget.
func tokenLCS(a, b []string) []indexPair {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcsLen := dp[m][n]
	if lcsLen == 0 {
		return nil
	}

	anchors := make([]indexPair, lcsLen)
	i, j, k := m, n, lcsLen-1
	for i > 0 && j > 0 {
		if a[i-1] == b[j-1] {
			anchors[k] = indexPair{origIdx: i - 1, corrIdx: j - 1}
			i--
			j--
			k--
		} else if dp[i-1][j] >= dp[i][j-1] {
			i--
		} else {
			j--
		}
	}
	return anchors
}

// Diff produces a token-level edit script between the original and corrected
// transcripts for audit display. Runs of unchanged tokens collapse into a
// single "equal" op; each gap between anchors becomes a replace, insert, or
// delete depending on which side has tokens.
func Diff(original, corrected string) []analysis.DiffOp {
	origTokens := strings.Fields(original)
	corrTokens := strings.Fields(corrected)

	anchors := tokenLCS(origTokens, corrTokens)

	var ops []analysis.DiffOp
	oi, ci := 0, 0

	emitGap := func(origEnd, corrEnd int) {
		if oi == origEnd && ci == corrEnd {
			return
		}
		op := analysis.DiffOp{
			Original:  strings.Join(origTokens[oi:origEnd], " "),
			Corrected: strings.Join(corrTokens[ci:corrEnd], " "),
		}
		switch {
		case oi == origEnd:
			op.Op = "insert"
		case ci == corrEnd:
			op.Op = "delete"
		default:
			op.Op = "replace"
		}
		ops = append(ops, op)
	}

	var equalRun []string
	flushEqual := func() {
		if len(equalRun) == 0 {
			return
		}
		ops = append(ops, analysis.DiffOp{
			Op:        "equal",
			Original:  strings.Join(equalRun, " "),
			Corrected: strings.Join(equalRun, " "),
		})
		equalRun = nil
	}

	for _, a := range anchors {
		if oi < a.origIdx || ci < a.corrIdx {
			flushEqual()
			emitGap(a.origIdx, a.corrIdx)
		}
		oi, ci = a.origIdx, a.corrIdx
		equalRun = append(equalRun, origTokens[oi])
		oi++
		ci++
	}
	if oi < len(origTokens) || ci < len(corrTokens) {
		flushEqual()
		emitGap(len(origTokens), len(corrTokens))
	}
	flushEqual()

	return ops
}
