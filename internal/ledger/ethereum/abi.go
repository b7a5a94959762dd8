package ethereum

// contractABI is the subset of the V2XAuth contract interface the hub and the
// vehicle worker call.
const contractABI = `[
  {"type":"function","name":"registerVehicle","stateMutability":"nonpayable",
   "inputs":[{"name":"vehicleHash","type":"bytes32"},{"name":"vehicleAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"revokeVehicle","stateMutability":"nonpayable",
   "inputs":[{"name":"vehicleHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"isVehicleActive","stateMutability":"view",
   "inputs":[{"name":"vehicleHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getVehicle","stateMutability":"view",
   "inputs":[{"name":"vehicleHash","type":"bytes32"}],
   "outputs":[{"name":"vehicleAddress","type":"address"},{"name":"active","type":"bool"},
              {"name":"registeredAt","type":"uint256"},{"name":"revokedAt","type":"uint256"}]},
  {"type":"function","name":"balances","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"payToll","stateMutability":"nonpayable",
   "inputs":[{"name":"operator","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"reportAccident","stateMutability":"nonpayable",
   "inputs":[{"name":"vehicleHash","type":"bytes32"},{"name":"location","type":"string"},
             {"name":"speed","type":"uint256"},{"name":"details","type":"string"}],"outputs":[]}
]`

const (
	methodRegister       = "registerVehicle"
	methodRevoke         = "revokeVehicle"
	methodIsActive       = "isVehicleActive"
	methodGetVehicle     = "getVehicle"
	methodBalances       = "balances"
	methodDeposit        = "deposit"
	methodPayToll        = "payToll"
	methodReportAccident = "reportAccident"
)
