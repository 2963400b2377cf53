// Package wire implements the TL wire codec used by the MTProto transport:
// a 32-bit word cursor over little-endian primitives, TL string and
// big-integer encoding, and the abridged TCP frame prefix.
package wire

// TL constructor codes used by the transport core.
const (
	// Key exchange
	CodeReqPQ              uint32 = 0x60469778
	CodeResPQ              uint32 = 0x05162463
	CodeReqDHParams        uint32 = 0xd712e4be
	CodePQInnerData        uint32 = 0x83c95aec
	CodePQInnerDataTemp    uint32 = 0x3c6a84d4
	CodeServerDHParamsOK   uint32 = 0xd0e8075c
	CodeServerDHParamsFail uint32 = 0x79cb045d
	CodeServerDHInnerData  uint32 = 0xb5890dba
	CodeClientDHInnerData  uint32 = 0x6643b654
	CodeSetClientDHParams  uint32 = 0xf5045f1f
	CodeDHGenOK            uint32 = 0x3bcbf734
	CodeDHGenRetry         uint32 = 0x46dc1fb9
	CodeDHGenFail          uint32 = 0xa69dae02

	// Service messages
	CodeVector             uint32 = 0x1cb5c415
	CodeMsgContainer       uint32 = 0x73f1f8dc
	CodeRPCResult          uint32 = 0xf35c6d01
	CodeRPCError           uint32 = 0x2144ca19
	CodeMsgsAck            uint32 = 0x62d6b459
	CodeBadServerSalt      uint32 = 0xedab447b
	CodeBadMsgNotification uint32 = 0xa7eff811
	CodeNewSessionCreated  uint32 = 0x9ec20908
	CodePing               uint32 = 0x7abe77ec
	CodePong               uint32 = 0x347773c5
	CodeMsgDetailedInfo    uint32 = 0x276d3ec6
	CodeMsgNewDetailedInfo uint32 = 0x809db6df
	CodeGzipPacked         uint32 = 0x3072cfa1

	// Key binding
	CodeBindAuthKeyInner uint32 = 0x75a3f765
	CodeBindTempAuthKey  uint32 = 0xcdd42a05
	CodeHelpGetConfig    uint32 = 0xc4f9186b

	CodeBoolTrue  uint32 = 0x997275b5
	CodeBoolFalse uint32 = 0xbc799737

	// Update containers, forwarded opaquely to the updates collaborator.
	CodeUpdatesTooLong         uint32 = 0xe317af7e
	CodeUpdateShortMessage     uint32 = 0x914fbf11
	CodeUpdateShortChatMessage uint32 = 0x16812688
	CodeUpdateShort            uint32 = 0x78d4dec1
	CodeUpdatesCombined        uint32 = 0x725b04c3
	CodeUpdates                uint32 = 0x74ae4240
)

// IsUpdateCode returns true for opcodes that belong to the updates layer.
func IsUpdateCode(code uint32) bool {
	switch code {
	case CodeUpdatesTooLong, CodeUpdateShortMessage, CodeUpdateShortChatMessage,
		CodeUpdateShort, CodeUpdatesCombined, CodeUpdates:
		return true
	default:
		return false
	}
}

// CodeName returns a human-readable name for a TL constructor code.
func CodeName(code uint32) string {
	switch code {
	case CodeReqPQ:
		return "req_pq"
	case CodeResPQ:
		return "resPQ"
	case CodeReqDHParams:
		return "req_DH_params"
	case CodePQInnerData:
		return "p_q_inner_data"
	case CodePQInnerDataTemp:
		return "p_q_inner_data_temp"
	case CodeServerDHParamsOK:
		return "server_DH_params_ok"
	case CodeServerDHParamsFail:
		return "server_DH_params_fail"
	case CodeServerDHInnerData:
		return "server_DH_inner_data"
	case CodeClientDHInnerData:
		return "client_DH_inner_data"
	case CodeSetClientDHParams:
		return "set_client_DH_params"
	case CodeDHGenOK:
		return "dh_gen_ok"
	case CodeDHGenRetry:
		return "dh_gen_retry"
	case CodeDHGenFail:
		return "dh_gen_fail"
	case CodeVector:
		return "vector"
	case CodeMsgContainer:
		return "msg_container"
	case CodeRPCResult:
		return "rpc_result"
	case CodeRPCError:
		return "rpc_error"
	case CodeMsgsAck:
		return "msgs_ack"
	case CodeBadServerSalt:
		return "bad_server_salt"
	case CodeBadMsgNotification:
		return "bad_msg_notification"
	case CodeNewSessionCreated:
		return "new_session_created"
	case CodePing:
		return "ping"
	case CodePong:
		return "pong"
	case CodeMsgDetailedInfo:
		return "msg_detailed_info"
	case CodeMsgNewDetailedInfo:
		return "msg_new_detailed_info"
	case CodeGzipPacked:
		return "gzip_packed"
	case CodeBindAuthKeyInner:
		return "bind_auth_key_inner"
	case CodeBindTempAuthKey:
		return "auth.bindTempAuthKey"
	case CodeHelpGetConfig:
		return "help.getConfig"
	case CodeBoolTrue:
		return "boolTrue"
	case CodeBoolFalse:
		return "boolFalse"
	default:
		if IsUpdateCode(code) {
			return "updates"
		}
		return "UNKNOWN"
	}
}
