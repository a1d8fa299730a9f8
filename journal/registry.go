package journal

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/hazyhaar/edingest/coerce"
)

// Descriptor holds the per-event-type rules applied on top of inferred
// typing. The zero Descriptor means "infer everything".
type Descriptor struct {
	// Overrides pins the column kind of the named fields.
	Overrides map[string]coerce.Kind
	// Unique lists column sets that get a unique index.
	Unique [][]string
	// Transform rewrites the field map before columns are derived.
	Transform func(map[string]any) (map[string]any, error)
}

// Registry maps event types to descriptors. Unknown types get the zero
// Descriptor.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Descriptor)}
}

// Register sets the descriptor of eventType, replacing any previous one.
func (r *Registry) Register(eventType string, d Descriptor) {
	r.mu.Lock()
	r.m[eventType] = d
	r.mu.Unlock()
}

// Lookup returns the descriptor of eventType and whether it was registered.
func (r *Registry) Lookup(eventType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[eventType]
	return d, ok
}

// Known lists registered event types in name order.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// DefaultRegistry returns a registry with every journal event type the game
// writes plus the report types produced from news screenshots.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range knownEventTypes {
		r.Register(t, Descriptor{})
	}
	for t, d := range defaultDescriptors() {
		r.Register(t, d)
	}
	return r
}

func defaultDescriptors() map[string]Descriptor {
	starPos := Descriptor{
		Overrides: map[string]coerce.Kind{
			"StarPos":        coerce.Structured,
			"StarPosX":       coerce.Real,
			"StarPosY":       coerce.Real,
			"StarPosZ":       coerce.Real,
			"DistFromStarLS": coerce.Real,
			"JumpDist":       coerce.Real,
			"FuelUsed":       coerce.Real,
			"FuelLevel":      coerce.Real,
		},
		Transform: splitStarPos,
	}
	return map[string]Descriptor{
		"FSDJump":     starPos,
		"Location":    starPos,
		"CarrierJump": starPos,
		"Scan": {Overrides: map[string]coerce.Kind{
			"DistanceFromArrivalLS": coerce.Real,
			"Radius":                coerce.Real,
			"SurfaceTemperature":    coerce.Real,
			"SurfaceGravity":        coerce.Real,
			"SurfacePressure":       coerce.Real,
			"MassEM":                coerce.Real,
			"StellarMass":           coerce.Real,
			"AbsoluteMagnitude":     coerce.Real,
			"OrbitalPeriod":         coerce.Real,
			"RotationPeriod":        coerce.Real,
			"SemiMajorAxis":         coerce.Real,
			"Eccentricity":          coerce.Real,
			"OrbitalInclination":    coerce.Real,
			"Periapsis":             coerce.Real,
			"AxialTilt":             coerce.Real,
			"Rings":                 coerce.Structured,
			"Parents":               coerce.Structured,
		}},
		"FSSDiscoveryScan": {Overrides: map[string]coerce.Kind{
			"Progress": coerce.Real,
		}},
		"SAAScanComplete": {Overrides: map[string]coerce.Kind{
			"Discoverers": coerce.Structured,
			"Mappers":     coerce.Structured,
		}},
		"MarketBuy": {Overrides: map[string]coerce.Kind{
			"Count":     coerce.Integer,
			"BuyPrice":  coerce.Integer,
			"TotalCost": coerce.Integer,
		}},
		"MarketSell": {Overrides: map[string]coerce.Kind{
			"Count":        coerce.Integer,
			"SellPrice":    coerce.Integer,
			"TotalSale":    coerce.Integer,
			"AvgPricePaid": coerce.Real,
		}},
		"MissionCompleted": {Overrides: map[string]coerce.Kind{
			"Reward":          coerce.Integer,
			"Donated":         coerce.Integer,
			"CommodityReward": coerce.Structured,
			"MaterialsReward": coerce.Structured,
			"FactionEffects":  coerce.Structured,
		}},
		"Bounty": {Overrides: map[string]coerce.Kind{
			"TotalReward": coerce.Integer,
			"Rewards":     coerce.Structured,
		}},
		"RedeemVoucher": {Overrides: map[string]coerce.Kind{
			"Amount":           coerce.Integer,
			"BrokerPercentage": coerce.Real,
			"Factions":         coerce.Structured,
		}},
		"FuelScoop": {Overrides: map[string]coerce.Kind{
			"Scooped": coerce.Real,
			"Total":   coerce.Real,
		}},
		"RefuelAll": {Overrides: map[string]coerce.Kind{
			"Amount": coerce.Real,
			"Cost":   coerce.Integer,
		}},
		"LocalFactionStatusSummary": {Overrides: map[string]coerce.Kind{
			"faction":   coerce.Text,
			"influence": coerce.Real,
		}},
		"DetailedTrafficReport": {Overrides: map[string]coerce.Kind{
			"total": coerce.Integer,
			"ships": coerce.Structured,
		}},
	}
}

// splitStarPos adds StarPosX/Y/Z next to the StarPos triple so positions can
// be filtered in SQL without JSON functions.
func splitStarPos(fields map[string]any) (map[string]any, error) {
	v, ok := fields["StarPos"]
	if !ok || v == nil {
		return fields, nil
	}
	pos, ok := v.([]any)
	if !ok || len(pos) != 3 {
		return nil, fmt.Errorf("journal: StarPos: want 3 coordinates, got %v", v)
	}
	for i, axis := range []string{"StarPosX", "StarPosY", "StarPosZ"} {
		f, err := toFloat(pos[i])
		if err != nil {
			return nil, fmt.Errorf("journal: StarPos[%d]: %w", i, err)
		}
		fields[axis] = f
	}
	return fields, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

var knownEventTypes = []string{
	"AfmuRepairs", "AppliedToSquadron", "ApproachBody", "ApproachSettlement",
	"AsteroidCracked", "BackPack", "BackpackChange", "BookDropship", "BookTaxi",
	"Bounty", "BuyAmmo", "BuyDrones", "BuyExplorationData", "BuyTradeData",
	"CancelDropship", "CancelTaxi", "CapShipBond", "Cargo", "CargoDepot",
	"CargoTransfer", "CarrierBankTransfer", "CarrierBuy", "CarrierCrewServices",
	"CarrierDecommission", "CarrierDepositFuel", "CarrierDockingPermission",
	"CarrierFinance", "CarrierJump", "CarrierJumpCancelled", "CarrierJumpRequest",
	"CarrierModulePack", "CarrierNameChange", "CarrierStats", "CarrierTradeOrder",
	"ChangeCrewRole", "ClearSavedGame", "CockpitBreached", "CodexEntry",
	"CollectCargo", "CollectItems", "Commander", "CommitCrime", "CommunityGoal",
	"CommunityGoalDiscard", "CommunityGoalJoin", "CommunityGoalReward", "Continued",
	"Coriolis", "CrewAssign", "CrewFire", "CrewHire", "CrewLaunchFighter",
	"CrewMemberJoins", "CrewMemberQuits", "CrewMemberRoleChange", "CrimeVictim",
	"DataScanned", "DatalinkScan", "DatalinkVoucher", "Died", "DisbandedSquadron",
	"DiscoveryScan", "DockFighter", "DockSRV", "Docked", "DockingCancelled",
	"DockingDenied", "DockingGranted", "DockingRequested", "DockingTimeout",
	"DropItems", "EDDCommodityPrices", "EDDItemSet", "EDShipyard", "EjectCargo",
	"Embark", "EndCrewSession", "EngineerApply", "EngineerContribution",
	"EngineerCraft", "EngineerLegacyConvert", "EngineerProgress",
	"EscapeInterdiction", "FSDJump", "FSDTarget", "FSSAllBodiesFound",
	"FSSDiscoveryScan", "FSSSignalDiscovered", "FactionKillBond",
	"FetchRemoteModule", "FighterDestroyed", "FighterRebuilt", "Fileheader",
	"Friends", "FuelScoop", "HeatDamage", "HeatWarning", "HullDamage",
	"Interdicted", "Interdiction", "InvitedToSquadron", "JetConeBoost",
	"JetConeDamage", "JoinACrew", "JoinedSquadron", "KickCrewMember",
	"LaunchDrone", "LaunchFighter", "LaunchSRV", "LeaveBody", "LeftSquadron",
	"Liftoff", "LoadGame", "Loadout", "Location", "Market", "MarketBuy",
	"MarketSell", "MassModuleStore", "MaterialCollected", "MaterialDiscarded",
	"MaterialDiscovered", "MaterialTrade", "Materials", "MiningRefined",
	"MissionAbandoned", "MissionAccepted", "MissionCompleted", "MissionFailed",
	"MissionRedirected", "Missions", "ModuleArrived", "ModuleBuy", "ModuleInfo",
	"ModuleRetrieve", "ModuleSell", "ModuleSellRemote", "ModuleStore",
	"ModuleSwap", "MultiSellExplorationData", "Music", "NavBeaconScan", "NavRoute",
	"NewCommander", "NpcCrewPaidWage", "NpcCrewRank", "Outfitting", "PVPKill",
	"Passengers", "PayBounties", "PayFines", "PayLegacyFines", "Powerplay",
	"PowerplayCollect", "PowerplayDefect", "PowerplayDeliver",
	"PowerplayFastTrack", "PowerplayJoin", "PowerplayLeave", "PowerplaySalary",
	"PowerplayVote", "PowerplayVoucher", "Progress", "Promotion",
	"ProspectedAsteroid", "QuitACrew", "Rank", "RebootRepair", "ReceiveText",
	"RedeemVoucher", "RefuelAll", "RefuelPartial", "Repair", "RepairAll",
	"RepairDrone", "Reputation", "ReservoirReplenished", "RestockVehicle",
	"Resurrect", "SAAScanComplete", "SAASignalsFound", "SRVDestroyed", "Scan",
	"Scanned", "ScientificResearch", "Screenshot", "SearchAndRescue",
	"SelfDestruct", "SellDrones", "SellExplorationData", "SellShipOnRebuy",
	"SendText", "SetUserShipName", "SharedBookmarkToSquadron", "ShieldState",
	"ShipArrived", "ShipLocker", "ShipTargeted", "Shipyard", "ShipyardBuy",
	"ShipyardNew", "ShipyardSell", "ShipyardSwap", "ShipyardTransfer", "ShutDown",
	"Shutdown", "SquadronCreated", "SquadronStartup", "StartJump", "StartUp",
	"Statistics", "Status", "StoredModules", "StoredShips", "SupercruiseEntry",
	"SupercruiseExit", "Synthesis", "SystemsShutdown", "TechnologyBroker",
	"Touchdown", "USSDrop", "UnderAttack", "Undocked", "VehicleSwitch", "WingAdd",
	"WingInvite", "WingJoin", "WingLeave",

	// Reports read from news screenshots.
	"DetailedTrafficReport", "LocalFactionStatusSummary", "LocalFactionBounties",
	"LocalPowerBounties", "LocalPowerUpdate", "LocalTradeReport",
	"LocalCrimeReport", "LocalBountyReport",
}
