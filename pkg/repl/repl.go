package repl

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/unicast"
)

const usage = `commands:
  send <peer> <message>   reliable, ordered send
  oob <peer> <message>    reliable send delivered on arrival
  lc                      list connections
  stats                   protocol counters
  close <peer>            close the send connection to peer
  remove <peer>           drop all state for peer
  q                       quit`

// Run reads commands from in until EOF or q, writing results to out.
func Run(p *unicast.Protocol, in io.Reader, out io.Writer) {
	reader := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !reader.Scan() {
			break
		}
		input := strings.TrimSpace(reader.Text())
		if input == "" {
			continue
		}
		cmd := strings.Fields(input)[0]

		switch cmd {
		case "q", "quit", "exit":
			return
		case "send", "oob":
			parts := strings.SplitN(input, " ", 3)
			if len(parts) != 3 {
				fmt.Fprintf(out, "Usage: %s <peer> <message>\n", cmd)
				continue
			}
			peer := stack.Address(parts[1])
			send := p.Send
			if cmd == "oob" {
				send = p.SendOOB
			}
			if err := send(peer, []byte(parts[2])); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "Sent %d bytes to %s\n", len(parts[2]), peer)
		case "lc":
			listConnections(p, out)
		case "stats":
			printStats(p.Stats(), out)
		case "close", "remove":
			parts := strings.Fields(input)
			if len(parts) != 2 {
				fmt.Fprintf(out, "Usage: %s <peer>\n", cmd)
				continue
			}
			if cmd == "close" {
				p.CloseConnection(stack.Address(parts[1]))
			} else {
				p.RemoveReceiveConnection(stack.Address(parts[1]))
			}
		case "help", "?":
			fmt.Fprintln(out, usage)
		default:
			fmt.Fprintf(out, "Unknown command %q, try help\n", cmd)
		}
	}
}

func listConnections(p *unicast.Protocol, out io.Writer) {
	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Peer\tSend Conn\tNext\tUnacked\tRecv Conn\tDelivered\tBuffered\tIdle")
	now := time.Now()
	for _, c := range p.Connections() {
		idle := now.Sub(c.LastSendTime)
		if c.RecvConnID != 0 && (c.SendConnID == 0 || c.LastRecvTime.After(c.LastSendTime)) {
			idle = now.Sub(c.LastRecvTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%d\t%d\t%s\n",
			c.Peer, connID(c.SendConnID), c.NextSeqno, c.SendWindow,
			connID(c.RecvConnID), c.HighestDelivered, c.RecvWindow, idle.Round(time.Millisecond))
	}
	w.Flush()
}

func connID(id uint64) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprint(id)
}

func printStats(s unicast.Stats, out io.Writer) {
	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintf(w, "sent\t%d\n", s.Sent)
	fmt.Fprintf(w, "delivered\t%d\n", s.Delivered)
	fmt.Fprintf(w, "retransmissions\t%d\n", s.Xmits)
	fmt.Fprintf(w, "force closed\t%d\n", s.ForceClosed)
	fmt.Fprintf(w, "epoch resets\t%d\n", s.Resets)
	fmt.Fprintf(w, "acks sent/received\t%d/%d\n", s.AcksSent, s.AcksReceived)
	fmt.Fprintf(w, "naks sent/received\t%d/%d\n", s.NaksSent, s.NaksReceived)
	fmt.Fprintf(w, "duplicates\t%d\n", s.Duplicates)
	fmt.Fprintf(w, "stale\t%d\n", s.Stale)
	fmt.Fprintf(w, "first seqno requests\t%d\n", s.FirstRequests)
	fmt.Fprintf(w, "corrupt\t%d\n", s.Corrupt)
	fmt.Fprintf(w, "reaped\t%d\n", s.Reaped)
	w.Flush()
}
