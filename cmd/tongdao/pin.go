package main

import (
	"encoding/json"
	"fmt"

	dstacksdk "github.com/Dstack-TEE/dstack/sdk/go/dstack"
	"github.com/spf13/cobra"

	"github.com/aspect-build/tongdao/internal/logx"
	"github.com/aspect-build/tongdao/policy"
)

// tcbInfo is the slice of the dstack guest-agent TCB report that pinning
// needs; the full report carries more fields.
type tcbInfo struct {
	MRTD        string `json:"mrtd"`
	RTMR0       string `json:"rtmr0"`
	RTMR1       string `json:"rtmr1"`
	RTMR2       string `json:"rtmr2"`
	OSImageHash string `json:"os_image_hash"`
	AppCompose  string `json:"app_compose"`
}

func newPinCmd() *cobra.Command {
	var (
		endpoint   string
		allowedTCB []string
	)

	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Pin a policy to the measurements of a running dstack instance",
		Long: `Query the local dstack guest agent and emit a policy whose expected
bootchain, OS image hash and app compose are pinned to what the running
instance reports. Run this inside the CVM whose identity clients should
verify, then distribute the printed policy to them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []dstacksdk.DstackClientOption{}
			if endpoint != "" {
				opts = append(opts, dstacksdk.WithEndpoint(endpoint))
			}
			client := dstacksdk.NewDstackClient(opts...)

			info, err := client.Info(cmd.Context())
			if err != nil {
				return fmt.Errorf("dstack info: %w", err)
			}
			logx.Debugf("pin: instance app_id=%q instance_id=%q", info.AppID, info.InstanceID)

			var tcb tcbInfo
			if err := json.Unmarshal([]byte(info.TcbInfo), &tcb); err != nil {
				return fmt.Errorf("parse tcb_info: %w", err)
			}
			if tcb.MRTD == "" || tcb.OSImageHash == "" {
				return fmt.Errorf("instance did not report bootchain measurements and os_image_hash; cannot pin")
			}

			polOpts := policy.Options{
				ExpectedBootchain: &policy.Bootchain{
					MRTD:  tcb.MRTD,
					RTMR0: tcb.RTMR0,
					RTMR1: tcb.RTMR1,
					RTMR2: tcb.RTMR2,
				},
				OSImageHash:      tcb.OSImageHash,
				AllowedTCBStatus: allowedTCB,
			}
			if tcb.AppCompose != "" {
				var compose map[string]any
				if err := json.Unmarshal([]byte(tcb.AppCompose), &compose); err != nil {
					return fmt.Errorf("parse app_compose: %w", err)
				}
				polOpts.AppCompose = compose
			}

			p, err := policy.DstackTDX(polOpts)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "dstack guest agent endpoint (default: /var/run/dstack.sock)")
	cmd.Flags().StringSliceVar(&allowedTCB, "allowed-tcb", nil, "Acceptable TCB status values (default UpToDate)")

	return cmd
}
