package topology

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MiniEdit layout constants. Left-side nodes are drawn at x=100/200/350,
// right-side nodes mirror them.
const (
	meHostXLeft    = 100
	meSwitchXLeft  = 200
	meRouterXLeft  = 350
	meWidth        = 1000
	meTopY         = 200
	meHostSpacing  = 30
	meSwitchStartY = 250
	meSwitchStep   = 100
)

type meDoc struct {
	Application meApplication  `json:"application"`
	Controllers []meController `json:"controllers"`
	Hosts       []meNode       `json:"hosts"`
	Links       []meLink       `json:"links"`
	Switches    []meNode       `json:"switches"`
	Version     string         `json:"version"`
}

type meApplication struct {
	Dpctl            string            `json:"dpctl"`
	IPBase           string            `json:"ipBase"`
	Netflow          map[string]string `json:"netflow"`
	OpenFlowVersions map[string]string `json:"openFlowVersions"`
	Sflow            map[string]string `json:"sflow"`
	StartCLI         string            `json:"startCLI"`
	SwitchType       string            `json:"switchType"`
	TerminalType     string            `json:"terminalType"`
}

type meController struct {
	Opts map[string]any `json:"opts"`
	X    string         `json:"x"`
	Y    string         `json:"y"`
}

type meNode struct {
	Number string         `json:"number"`
	Opts   map[string]any `json:"opts"`
	X      string         `json:"x"`
	Y      string         `json:"y"`
}

type meLink struct {
	Src  string         `json:"src"`
	Dest string         `json:"dest"`
	Opts map[string]any `json:"opts"`
}

// MiniEditOptions selects the controller the exported file points at.
type MiniEditOptions struct {
	ControllerIP    string
	ControllerPort  int
	OpenFlowVersion string
}

// MiniEdit renders the topology as a MiniEdit .mn document so it can be
// opened and inspected in the MiniEdit GUI.
func (s Spec) MiniEdit(opts MiniEditOptions) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	of := map[string]string{"ovsOf10": "0", "ovsOf11": "0", "ovsOf12": "0", "ovsOf13": "0"}
	switch opts.OpenFlowVersion {
	case "OpenFlow13":
		of["ovsOf13"] = "1"
	default:
		of["ovsOf10"] = "1"
	}
	doc := meDoc{
		Application: meApplication{
			IPBase:           fmt.Sprintf("%s/%d", subnetBase, subnetPrefix),
			Netflow:          map[string]string{"nflowAddId": "0", "nflowTarget": "", "nflowTimeout": "600"},
			OpenFlowVersions: of,
			Sflow:            map[string]string{"sflowHeader": "128", "sflowPolling": "30", "sflowSampling": "400", "sflowTarget": ""},
			StartCLI:         "1",
			SwitchType:       "ovs",
			TerminalType:     "xterm",
		},
		Controllers: []meController{{
			Opts: map[string]any{
				"controllerProtocol": "tcp",
				"controllerType":     "remote",
				"hostname":           "c0",
				"remoteIP":           opts.ControllerIP,
				"remotePort":         opts.ControllerPort,
			},
			X: "500",
			Y: "100",
		}},
		Version: "2",
	}

	perSide := map[Side]int{}
	for _, sw := range s.Datapaths() {
		x, y := meSwitchXLeft, meSwitchStartY+perSide[sw.Side]*meSwitchStep
		if sw.Kind == KindRouter {
			x, y = meRouterXLeft, meSwitchStartY+meSwitchStep
		} else {
			perSide[sw.Side]++
		}
		if sw.Side == SideRight {
			x = meWidth - x
		}
		num := nodeNumber(sw.Name)
		doc.Switches = append(doc.Switches, meNode{
			Number: strconv.Itoa(num),
			Opts: map[string]any{
				"controllers": []string{"c0"},
				"hostname":    sw.Name,
				"nodeNum":     num,
				"switchType":  "ovs",
				"dpid":        sw.DPID,
			},
			X: strconv.Itoa(x),
			Y: strconv.Itoa(y),
		})
	}

	rows := map[Side]int{}
	for _, h := range s.Hosts {
		x := meHostXLeft
		if h.Side == SideRight {
			x = meWidth - x
		}
		y := meTopY + rows[h.Side]*meHostSpacing
		rows[h.Side]++
		num := nodeNumber(h.Name)
		doc.Hosts = append(doc.Hosts, meNode{
			Number: strconv.Itoa(num),
			Opts: map[string]any{
				"hostname": h.Name,
				"nodeNum":  num,
				"sched":    "host",
				"ip":       h.CIDR(),
			},
			X: strconv.Itoa(x),
			Y: strconv.Itoa(y),
		})
	}

	for _, l := range s.Links {
		opts := map[string]any{"bw": l.Shape.BandwidthMbps}
		if l.Shape.Delay > 0 {
			opts["delay"] = l.Shape.Delay.String()
		}
		if l.Shape.LossPercent > 0 {
			opts["loss"] = l.Shape.LossPercent
		}
		if l.Shape.MaxQueueSize > 0 {
			opts["max_queue_size"] = l.Shape.MaxQueueSize
		}
		doc.Links = append(doc.Links, meLink{Src: l.A, Dest: l.B, Opts: opts})
	}

	return json.MarshalIndent(doc, "", "  ")
}

func nodeNumber(name string) int {
	n, err := strconv.Atoi(strings.TrimLeft(name, "hsr"))
	if err != nil {
		return 0
	}
	return n
}
