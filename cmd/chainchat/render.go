package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"ChainChat/pkg/envelope"
	"ChainChat/pkg/router"
	"ChainChat/pkg/txflow"
)

var (
	promptStyle  = color.New(color.FgCyan, color.Bold)
	errorStyle   = color.New(color.FgRed)
	successStyle = color.New(color.FgGreen)
	pendingStyle = color.New(color.FgYellow)
	mutedStyle   = color.New(color.Faint)
)

func printView(w io.Writer, v router.View) {
	switch v.Kind {
	case router.KindTransaction:
		printTransaction(w, v.Transaction)
	case router.KindHashtags:
		fmt.Fprintln(w, strings.Join(v.Hashtags, " "))
	case router.KindImage:
		fmt.Fprintf(w, "image: %s\n", v.Image.URL)
	case router.KindNFTs:
		if len(v.NFTs) == 0 {
			fmt.Fprintln(w, mutedStyle.Sprint("no NFTs found"))
			return
		}
		for _, nft := range v.NFTs {
			fmt.Fprintf(w, "- %s #%s %s\n", nft.TokenName, nft.TokenID, mutedStyle.Sprint(nft.TokenURI))
		}
	case router.KindConnectWallet:
		fmt.Fprintln(w, pendingStyle.Sprint(v.Text))
	case router.KindToolError:
		fmt.Fprintln(w, errorStyle.Sprintf("%s failed: %s", v.Tool, v.Text))
	case router.KindStructured:
		pretty, err := json.MarshalIndent(v.Value, "", "  ")
		if err != nil {
			fmt.Fprintln(w, v.Text)
			return
		}
		fmt.Fprintln(w, string(pretty))
	default:
		fmt.Fprintln(w, v.Text)
	}
}

func printTransaction(w io.Writer, tx *router.Transaction) {
	if tx == nil {
		return
	}
	label := "transaction"
	if tx.Detail != "" {
		label += " (" + tx.Detail + ")"
	}
	switch tx.Phase {
	case txflow.PhasePending:
		fmt.Fprintln(w, pendingStyle.Sprintf("%s awaiting signature", label))
	case txflow.PhaseSubmitting:
		fmt.Fprintln(w, pendingStyle.Sprintf("%s submitted %s", label, tx.Hash))
	case txflow.PhaseSuccess:
		fmt.Fprintln(w, successStyle.Sprintf("%s confirmed %s", label, tx.Hash))
	case txflow.PhaseRejected:
		fmt.Fprintln(w, mutedStyle.Sprintf("%s rejected", label))
	case txflow.PhaseFailed:
		msg := tx.Error
		if msg == "" {
			msg = string(tx.Code)
		}
		fmt.Fprintln(w, errorStyle.Sprintf("%s failed: %s", label, msg))
	}
}

func printPayload(w io.Writer, p envelope.Payload) {
	fmt.Fprintln(w, promptStyle.Sprint("proposed transaction"))
	fmt.Fprintf(w, "  chain    %s\n", p.ChainID)
	fmt.Fprintf(w, "  to       %s\n", p.To)
	fmt.Fprintf(w, "  value    %s wei\n", p.Value)
	if p.Function != "" {
		fmt.Fprintf(w, "  function %s\n", p.Function)
	}
	keys := make([]string, 0, len(p.Arguments))
	for k := range p.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s = %s\n", k, p.Arguments[k])
	}
}
